package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sandbridge/internal/config"
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

		fmt.Println("Sandbridge Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Agent.Binary = prompt(scanner, "Agent binary", cfg.Agent.Binary)
		cfg.Agent.Model = prompt(scanner, "Agent model", cfg.Agent.Model)
		cfg.HTTP.Addr = prompt(scanner, "HTTP listen address", cfg.HTTP.Addr)
		cfg.Sandbox.Provider = prompt(scanner, "Sandbox provider (local/docker)", cfg.Sandbox.Provider)
		cfg.Sandbox.WorkDir = prompt(scanner, "Sandbox work directory", cfg.Sandbox.WorkDir)

		timeoutStr := prompt(scanner, "Approval timeout (seconds)", strconv.Itoa(cfg.Permission.TimeoutSeconds))
		if n, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.Permission.TimeoutSeconds = n
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		chatStr := prompt(scanner, "Telegram approval chat id (optional)", strconv.FormatInt(cfg.Telegram.ChatID, 10))
		if n, err := strconv.ParseInt(chatStr, 10, 64); err == nil {
			cfg.Telegram.ChatID = n
		}

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
