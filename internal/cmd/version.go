package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := buildInfo()
		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		_, _ = fmt.Fprintf(os.Stdout, "version=%s\n", info["version"])
		_, _ = fmt.Fprintf(os.Stdout, "commit=%s\n", info["commit"])
		_, _ = fmt.Fprintf(os.Stdout, "build_date=%s\n", info["build_date"])
		_, _ = fmt.Fprintf(os.Stdout, "go=%s\n", info["go"])
		if v := info["gofulmen"]; v != "" {
			_, _ = fmt.Fprintf(os.Stdout, "gofulmen=%s\n", v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func buildInfo() map[string]string {
	return map[string]string{
		"version":    versionInfo.Version,
		"commit":     versionInfo.Commit,
		"build_date": versionInfo.BuildDate,
		"go":         runtime.Version(),
		"gofulmen":   crucible.GetVersion().Gofulmen,
	}
}
