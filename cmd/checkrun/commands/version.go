package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/checkrun/display"
	"github.com/teranos/checkrun/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show checkrun version information",
	Long:  `Display version, build time, commit hash, and platform information for the checkrun binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()

		if display.ShouldOutputJSON(cmd) {
			if err := display.OutputJSON(info); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error formatting JSON: %v\n", err)
			}
		} else {
			fmt.Println(info.String())
		}
	},
}
