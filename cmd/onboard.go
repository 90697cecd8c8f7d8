package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/al-how/claude-conductor/internal/bootstrap"
	"github.com/al-how/claude-conductor/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-time setup",
		Long:  "Walks through vault location, model choice, and chat channel setup, then writes the config file.",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Onboarding cancelled.")
			return
		}
	}

	cfg := config.Default()

	vault := cfg.Vault
	model := cfg.Agent.Model
	tgToken := ""
	primaryChat := ""
	apiKey := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Vault directory").
				Description("Working directory for agent runs. Scheduled jobs keep their notes under agent-files/.").
				Value(&vault),
			huh.NewSelect[string]().
				Title("Default model").
				Options(
					huh.NewOption("Sonnet (balanced)", "sonnet"),
					huh.NewOption("Opus (most capable)", "opus"),
					huh.NewOption("Haiku (fastest)", "haiku"),
				).
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to skip the Telegram channel.").
				EchoMode(huh.EchoModePassword).
				Value(&tgToken),
			huh.NewInput().
				Title("Primary chat id").
				Description("Chat that receives scheduled job output. Leave empty to disable chat delivery.").
				Validate(validateChatID).
				Value(&primaryChat),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Anthropic API key").
				Description("Enables execution_mode=api jobs. Leave empty to use the claude CLI only.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Onboarding cancelled.")
			return
		}
		fmt.Printf("Onboarding failed: %v\n", err)
		os.Exit(1)
	}

	if v := strings.TrimSpace(vault); v != "" {
		cfg.Vault = v
	}
	cfg.Agent.Model = model
	if tgToken != "" {
		cfg.Channels.Telegram.Enabled = true
	}
	if id := strings.TrimSpace(primaryChat); id != "" {
		chatID, _ := strconv.ParseInt(id, 10, 64)
		cfg.Channels.Telegram.PrimaryChatID = chatID
	}

	if err := cfg.Save(cfgPath); err != nil {
		fmt.Printf("Could not write %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s.\n", cfgPath)

	if created, err := bootstrap.EnsureVaultFiles(cfg.VaultPath()); err != nil {
		fmt.Printf("Warning: could not prepare vault: %v\n", err)
	} else if len(created) > 0 {
		fmt.Printf("Vault prepared at %s (%s).\n", cfg.VaultPath(), strings.Join(created, ", "))
	}

	// Secrets never go in the file; hand them to the environment instead.
	var exports []string
	if tgToken != "" {
		exports = append(exports, "export TELEGRAM_BOT_TOKEN="+tgToken)
	}
	if apiKey != "" {
		exports = append(exports, "export ANTHROPIC_API_KEY="+apiKey)
	}
	if len(exports) > 0 {
		fmt.Println()
		fmt.Println("Secrets are read from the environment, not the config file.")
		fmt.Println("Add to your shell profile or service unit:")
		for _, line := range exports {
			fmt.Println("  " + line)
		}
	}

	fmt.Println()
	fmt.Println("Start the service with: conductor serve")
}

func validateChatID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return errors.New("must be a numeric chat id")
	}
	return nil
}

// canAutoOnboard reports whether the environment carries enough for
// non-interactive setup (Docker, systemd units).
func canAutoOnboard() bool {
	return os.Getenv("TELEGRAM_BOT_TOKEN") != "" || os.Getenv("ANTHROPIC_API_KEY") != ""
}

// runAutoOnboard performs non-interactive setup from environment variables.
// Returns true on success.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return false
	}

	fmt.Printf("  Vault:    %s\n", cfg.VaultPath())
	fmt.Printf("  Model:    %s\n", cfg.GlobalModel())
	if cfg.Channels.Telegram.Enabled {
		fmt.Println("  Telegram: enabled")
	}
	if cfg.Channels.Discord.Enabled {
		fmt.Println("  Discord:  enabled")
	}
	if cfg.API.APIKey != "" {
		fmt.Println("  API mode: available")
	}

	if err := cfg.Save(cfgPath); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	} else {
		fmt.Printf("  Config saved to %s\n", cfgPath)
	}

	fmt.Println("Auto-onboard complete.")
	return true
}
