package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/genq/version"
)

// VersionCmd prints build information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show genq version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(info)
		}
		fmt.Println(info.String())
		return nil
	},
}

func init() {
	VersionCmd.Flags().Bool("json", false, "Print as JSON")
}
