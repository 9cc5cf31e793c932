package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/cmd/checkrun/commands"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/sym"
)

var rootCmd = &cobra.Command{
	Use:   "checkrun",
	Short: "checkrun - run check modules under iteration and duration budgets",
	Long: `checkrun executes pluggable check modules across a bounded worker pool,
records every run in a local SQLite store and writes JSON/HTML reports.

Available commands:
` + commandList() + `
Examples:
  checkrun run http_probe --settings probe.yaml --iterations 20 --parallelism 4
  checkrun runs ls --status Failed
  checkrun runs show <run-id>
  checkrun am show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints config on stdout and stays quiet otherwise
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func commandList() string {
	var b strings.Builder
	for _, glyph := range sym.PaletteOrder {
		cmd := sym.SymbolToCommand[glyph]
		fmt.Fprintf(&b, "  %s %-9s - %s\n", glyph, cmd, sym.CommandDescriptions[cmd])
	}
	return b.String()
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output JSON instead of tables (also CHECKRUN_OUTPUT=json)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.CasesCmd)
	rootCmd.AddCommand(commands.ProfilesCmd)
	rootCmd.AddCommand(commands.ModulesCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
