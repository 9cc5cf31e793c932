package commands

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/display"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/sym"
)

// ProfilesCmd manages saved run profiles
var ProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: sym.Profiles + " Manage saved run profiles",
	Long: sym.Profiles + ` profiles - Manage saved run profiles

Profiles are stored in the database and exchanged as YAML files:

  name: smoke
  parallelism: 4
  mode: Iterations
  iterations: 100
  timeout_seconds: 10
  pause_ms: 250`,
}

var profilesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List saved profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfilesLs,
}

var profilesSaveCmd = &cobra.Command{
	Use:   "save <file.yaml>",
	Short: "Create or update a profile from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesSave,
}

var profilesExportCmd = &cobra.Command{
	Use:   "export <id-or-name>",
	Short: "Write a profile as YAML into the artifacts profiles folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesExport,
}

var profilesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesRm,
}

func init() {
	ProfilesCmd.AddCommand(profilesLsCmd, profilesSaveCmd, profilesExportCmd, profilesRmCmd)
}

func runProfilesLs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	profiles, err := a.store.ListProfiles(cmd.Context())
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(profiles)
	}
	if len(profiles) == 0 {
		pterm.Info.Println("No profiles saved")
		return nil
	}
	data := pterm.TableData{{"ID", "Name", "Workers", "Budget", "Timeout", "Pause", "HTML", "Notify"}}
	for _, p := range profiles {
		data = append(data, []string{
			p.ID, p.Name, strconv.Itoa(p.Parallelism), budgetText(*p),
			strconv.Itoa(p.TimeoutSeconds) + "s", strconv.Itoa(p.PauseMs) + "ms",
			strconv.FormatBool(p.HTMLReportEnabled), strconv.FormatBool(p.TelegramEnabled),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runProfilesSave(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to read profile %s", args[0])
	}
	p := model.DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return errors.Wrapf(err, "failed to parse profile %s", args[0])
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	limits := model.Limits{MaxParallelism: a.cfg.GetMaxParallelism(), MaxDurationSeconds: a.cfg.GetMaxDurationSeconds()}
	if problems := p.Validate(limits); len(problems) > 0 {
		for _, msg := range problems {
			pterm.Error.Println(msg)
		}
		return errors.Newf("profile %s is invalid", p.Name)
	}

	if p.ID == "" {
		if existing, err := a.store.FindProfile(cmd.Context(), p.Name); err == nil {
			p.ID = existing.ID
		}
	}
	if err := a.store.SaveProfile(cmd.Context(), &p); err != nil {
		return err
	}
	pterm.Success.Printfln("Saved profile %s (%s)", p.Name, p.ID)
	return nil
}

func runProfilesExport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.store.GetProfile(cmd.Context(), args[0])
	if errors.IsNotFoundError(err) {
		p, err = a.store.FindProfile(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to encode profile")
	}
	dir := a.artifacts.ProfilesDir()
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	path := filepath.Join(dir, p.Name+".yaml")
	if err := os.WriteFile(path, out, am.DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	pterm.Success.Printfln("Exported profile %s to %s", p.Name, path)
	return nil
}

func runProfilesRm(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteProfile(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted profile %s", args[0])
	return nil
}
