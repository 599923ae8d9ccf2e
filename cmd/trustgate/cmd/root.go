package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "TrustGate validates everything that crosses a trust boundary",
	Long: `TrustGate authenticates API keys, verifies signed webhooks, guards outbound
URLs against SSRF, runs OAuth PKCE flows and sandboxes user supplied themes
and uploads before they reach the rest of the platform.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
}
