package commands

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/checkrun/checks"
	"github.com/teranos/checkrun/display"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/sym"
)

// ModulesCmd lists registered check modules
var ModulesCmd = &cobra.Command{
	Use:   "modules",
	Short: sym.Modules + " List registered check modules",
}

var modulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List modules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mods := builtinRegistry().List()
		if display.ShouldOutputJSON(cmd) {
			type row struct {
				ID           string        `json:"id"`
				Name         string        `json:"name"`
				Family       module.Family `json:"family"`
				SettingsType string        `json:"settings_type"`
			}
			rows := make([]row, len(mods))
			for i, m := range mods {
				rows[i] = row{m.ID(), m.DisplayName(), m.Family(), m.SettingsType()}
			}
			return display.OutputJSON(rows)
		}
		data := pterm.TableData{{"ID", "Name", "Family", "Settings"}}
		for _, m := range mods {
			data = append(data, []string{m.ID(), m.DisplayName(), string(m.Family()), m.SettingsType()})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var modulesDefaultsCmd = &cobra.Command{
	Use:   "defaults <module>",
	Short: "Print a module's default settings document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := builtinRegistry().Get(args[0])
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, m.CreateDefaultSettings(), "", "  "); err != nil {
			return err
		}
		fmt.Println(buf.String())
		return nil
	},
}

func builtinRegistry() *module.Registry {
	reg := module.NewRegistry()
	checks.RegisterAll(reg)
	return reg
}

func init() {
	ModulesCmd.AddCommand(modulesLsCmd, modulesDefaultsCmd)
}
