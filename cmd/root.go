// Package cmd implements the agentcored command-line entrypoint: the serve
// command that boots the coordination core, plus small operational helpers.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/jeebsjenkins/agentcore/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentcored",
	Short: "agentcored — multi-agent coordination core",
	Long: "agentcored hosts a fleet of autonomous LLM-driven agents: a path-addressed\n" +
		"message broker, an on-disk agent/session store, a turn manager that\n" +
		"debounces and triages routed messages before running an LLM-CLI\n" +
		"subprocess, and a token-authenticated control surface for clients.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json under --root, or $AGENTCORED_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcored %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath(root string) string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTCORED_CONFIG"); v != "" {
		return v
	}
	return root + "/config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
