package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-how/claude-conductor/internal/config"
	"github.com/al-how/claude-conductor/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("conductor doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Path:", cfg.DatabasePath())
	checkDatabase(cfg.DatabasePath())

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-12s %s\n", "Model:", cfg.GlobalModel())
	fmt.Printf("    %-12s %ds\n", "Timeout:", cfg.TimeoutSec())
	checkBinary(cfg.Agent.BinPath)
	checkBinary("ollama")

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.API.APIKey)
	fmt.Printf("    %-12s %s\n", "Ollama:", cfg.OllamaBaseURL())

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Printf("  Gateway:  %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Println(" (no auth token)")
	} else {
		fmt.Println(" (token auth)")
	}

	vault := cfg.VaultPath()
	fmt.Printf("  Vault:    %s", vault)
	if _, err := os.Stat(vault); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkDatabase opens the job store the same way serve does and reports how
// many jobs it holds.
func checkDatabase(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := store.New(path)
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Status:", err)
		return
	}
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}
	fmt.Printf("    %-12s OK (%d jobs, %d enabled)\n", "Status:", len(jobs), enabled)
}

func checkProvider(name, apiKey string) {
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (not configured)\n", name+":")
	case len(apiKey) < 12:
		fmt.Printf("    %-12s (set)\n", name+":")
	default:
		maskedKey := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", maskedKey)
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
