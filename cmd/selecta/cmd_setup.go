package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/selecta/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Selecta Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Agent.BaseURL = prompt(scanner, "Agent base URL", cfg.Agent.BaseURL)
		cfg.Agent.AppName = prompt(scanner, "Agent app name", cfg.Agent.AppName)
		cfg.Agent.UserID = prompt(scanner, "Default user id", cfg.Agent.UserID)

		timeout := prompt(scanner, "Request timeout (seconds)", strconv.Itoa(cfg.Agent.TimeoutSeconds))
		if n, err := strconv.Atoi(timeout); err == nil {
			cfg.Agent.TimeoutSeconds = n
		}

		cfg.History.Backend = prompt(scanner, "History backend (file or postgres)", cfg.History.Backend)
		if cfg.Postgres() {
			cfg.History.DSN = prompt(scanner, "Postgres DSN", cfg.History.DSN)
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.Slack.Token = prompt(scanner, "Slack bot token (optional)", cfg.Slack.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
