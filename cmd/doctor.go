package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeebsjenkins/agentcore/internal/serverconfig"
	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

var doctorRoot string

func doctorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
	c.Flags().StringVar(&doctorRoot, "root", ".", "project root directory")
	return c
}

func runDoctor() {
	fmt.Println("agentcored doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	root := doctorRoot
	if root == "" {
		root = "."
	}

	cfgPath := resolveConfigPath(root)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := serverconfig.Load(cfgPath, root)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Control surface:")
	fmt.Printf("    %-14s %s\n", "Addr:", cfg.Control.Addr)
	checkSecret("Token", cfg.Control.Token)

	fmt.Println()
	fmt.Println("  Triage gate:")
	checkSecret("API key", cfg.Triage.APIKey)
	if cfg.Triage.Model != "" {
		fmt.Printf("    %-14s %s\n", "Model:", cfg.Triage.Model)
	} else {
		fmt.Printf("    %-14s (falls back to llmcli one-shot query)\n", "Model:")
	}

	fmt.Println()
	fmt.Println("  Upstream gateway:")
	if cfg.Upstream.Enabled {
		fmt.Printf("    %-14s %s\n", "URL:", cfg.Upstream.URL)
		fmt.Printf("    %-14s %s\n", "Client ID:", cfg.Upstream.ClientID)
	} else {
		fmt.Printf("    %-14s disabled\n", "Status:")
	}

	fmt.Println()
	fmt.Println("  Tracing:")
	if cfg.Tracing.Enabled {
		fmt.Printf("    %-14s %s (stdout exporter)\n", "Status:", cfg.Tracing.ServiceName)
	} else {
		fmt.Printf("    %-14s disabled\n", "Status:")
	}

	fmt.Println()
	fmt.Println("  Agent store:")
	if st, err := store.New(cfg.ProjectRoot); err != nil {
		fmt.Printf("    %-14s OPEN FAILED (%s)\n", "Status:", err)
	} else if agents, err := st.ListAgents(); err != nil {
		fmt.Printf("    %-14s LIST FAILED (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-14s %d agent(s) under %s\n", "Status:", len(agents), cfg.ProjectRoot)
	}

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("claude")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-14s (not configured)\n", name+":")
		return
	}
	masked := strings.Repeat("*", len(value))
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-14s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-14s %s\n", name+":", path)
	}
}
