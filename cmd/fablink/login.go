package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginPartyID string
	loginRole    string
)

func init() {
	loginCmd.Flags().StringVar(&loginPartyID, "party-id", "", "Identity of this session (buyer or manufacturer id)")
	loginCmd.Flags().StringVar(&loginRole, "role", "buyer", "Session role: buyer or manufacturer")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token",
	Long:  "Store a Fablink session token and identity in ~/.fablink/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		if loginRole != "buyer" && loginRole != "manufacturer" {
			return fmt.Errorf("invalid role %q (valid: buyer, manufacturer)", loginRole)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.PartyID = loginPartyID
		cfg.Auth.Role = loginRole

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
