package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/callpersona/internal/config"
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
		out := cmd.OutOrStdout()
		scanner := bufio.NewScanner(cmd.InOrStdin())

		fmt.Fprintln(out, "callpersona setup")
		fmt.Fprintln(out, "Press Enter to accept the default value shown in brackets.")
		fmt.Fprintln(out)

		cfg.Deepgram.APIKey = prompt(out, scanner, "Deepgram API key", cfg.Deepgram.APIKey)
		cfg.OpenRouter.APIKey = prompt(out, scanner, "OpenRouter API key (empty for a local backend)", cfg.OpenRouter.APIKey)
		cfg.LLM.Model = prompt(out, scanner, "Chat model", cfg.LLM.Model)

		maxTokensStr := prompt(out, scanner, "Max reply tokens", strconv.Itoa(cfg.LLM.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil {
			cfg.LLM.MaxTokens = n
		}

		cfg.HTTP.PublicURL = prompt(out, scanner, "Public URL of this server (optional)", cfg.HTTP.PublicURL)
		cfg.Scenarios.Path = prompt(out, scanner, "Scenario file", cfg.Scenarios.Path)
		cfg.Telegram.Token = prompt(out, scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Configuration saved to", cfgPath)
		if _, err := os.Stat(cfg.Scenarios.Path); os.IsNotExist(err) {
			fmt.Fprintln(out, "Note: scenario file not found; calls will use the generic prompt.")
		}
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(out io.Writer, scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
