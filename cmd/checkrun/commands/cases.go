package commands

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/checkrun/display"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/sym"
)

// CasesCmd manages versioned test cases
var CasesCmd = &cobra.Command{
	Use:   "cases",
	Short: sym.Cases + " Save and version test case settings",
	Long: sym.Cases + ` cases - Save and version test case settings

Every save of an existing case appends a new immutable version; runs record
the version they used so they can be replayed exactly.`,
}

var casesSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Create a case or append a new version",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesSave,
}

var casesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List test cases",
	Args:  cobra.NoArgs,
	RunE:  runCasesLs,
}

var casesVersionsCmd = &cobra.Command{
	Use:   "versions <case-id>",
	Short: "List the versions of a test case",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesVersions,
}

var casesRmCmd = &cobra.Command{
	Use:   "rm <case-id>",
	Short: "Delete a test case and all of its versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesRm,
}

var casesFlags struct {
	module      string
	settings    string
	description string
	note        string
	showPayload bool
}

func init() {
	f := casesSaveCmd.Flags()
	f.StringVar(&casesFlags.module, "module", "", "Module the settings belong to (required)")
	f.StringVar(&casesFlags.settings, "settings", "", "Settings file, JSON or YAML (default: module defaults)")
	f.StringVar(&casesFlags.description, "description", "", "Case description")
	f.StringVar(&casesFlags.note, "note", "", "Change note for this version")
	_ = casesSaveCmd.MarkFlagRequired("module")

	casesLsCmd.Flags().StringVar(&casesFlags.module, "module", "", "Only cases of this module")
	casesVersionsCmd.Flags().BoolVar(&casesFlags.showPayload, "payload", false, "Print each version's settings")

	CasesCmd.AddCommand(casesSaveCmd, casesLsCmd, casesVersionsCmd, casesRmCmd)
}

func parseCaseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Newf("case id must be a number, got %q", s)
	}
	return id, nil
}

func runCasesSave(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.registry.Get(casesFlags.module)
	if err != nil {
		return err
	}
	settings := m.CreateDefaultSettings()
	if casesFlags.settings != "" {
		if settings, err = readSettings(casesFlags.settings); err != nil {
			return err
		}
	}
	if problems := m.Validate(settings); len(problems) > 0 {
		for _, p := range problems {
			pterm.Error.Println(p)
		}
		return errors.Newf("settings for %s are invalid", m.ID())
	}

	v, err := a.store.SaveVersion(cmd.Context(), args[0], casesFlags.description, m.ID(), settings, casesFlags.note)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Saved %s as case %d version %d", args[0], v.TestCaseID, v.VersionNumber)
	return nil
}

func runCasesLs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cases, err := a.store.ListTestCases(cmd.Context(), casesFlags.module)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cases)
	}
	if len(cases) == 0 {
		pterm.Info.Println("No test cases saved")
		return nil
	}
	data := pterm.TableData{{"ID", "Name", "Module", "Version", "Updated", "Description"}}
	for _, tc := range cases {
		data = append(data, []string{
			strconv.FormatInt(tc.ID, 10), tc.Name, tc.ModuleType, strconv.Itoa(tc.CurrentVersion),
			timeText(tc.UpdatedAt), tc.Description,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCasesVersions(cmd *cobra.Command, args []string) error {
	id, err := parseCaseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := a.store.ListVersions(cmd.Context(), id)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(versions)
	}
	data := pterm.TableData{{"Version", "Changed", "Note"}}
	for _, v := range versions {
		data = append(data, []string{strconv.Itoa(v.VersionNumber), timeText(v.ChangedAt), v.ChangeNote})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if casesFlags.showPayload {
		for _, v := range versions {
			pterm.Println()
			pterm.Info.Printfln("Version %d", v.VersionNumber)
			pterm.Println(string(v.PayloadJSON))
		}
	}
	return nil
}

func runCasesRm(cmd *cobra.Command, args []string) error {
	id, err := parseCaseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteTestCase(cmd.Context(), id); err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted case %d", id)
	return nil
}
