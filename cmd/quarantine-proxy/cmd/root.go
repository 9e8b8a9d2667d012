// Package cmd provides the quarantine-proxy CLI, grounded on Sentinel
// Gate's cobra/viper command layout (cmd/sentinel-gate/cmd/root.go):
// a persistent --config flag, cobra.OnInitialize wiring Viper, and one
// subcommand per operation.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joeycumines/quarantine-proxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quarantine-proxy",
	Short: "Adaptive-quarantine HTTP reverse proxy",
	Long: `quarantine-proxy fronts a pool of trusted replica backends with a
single-threaded event loop. Requests route to the active trusted replica by
default; an external verdict channel can mark a request id malicious at any
point up to and including while its response is in flight, demoting it to an
isolated sandbox upstream and cycling the active replica.

Configuration is loaded from quarantine-proxy.yaml in the current directory,
$HOME/.quarantine-proxy/, or /etc/quarantine-proxy/, overridable by
QUARANTINE_PROXY_-prefixed environment variables.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { config.InitViper(cfgFile) })
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quarantine-proxy.yaml)")
}
