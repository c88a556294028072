package main

import (
	"context"
	"fmt"
	"time"

	fablink "github.com/fablink-app/fablink-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and check the session by fetching the conversation list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, fablink.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  Party ID: %s\n", valueOrDefault(cfg.Auth.PartyID, "(not set)"))
		fmt.Printf("  Role:     %s\n", valueOrDefault(cfg.Auth.Role, "(not set)"))
		if cfg.Session.ActiveConversationID != "" {
			fmt.Printf("  Active conversation: %s\n", cfg.Session.ActiveConversationID)
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		// Live check: fetch one page of conversations with the stored token.
		fmt.Println()
		fmt.Println("Live status:")

		opts := []fablink.ClientOption{}
		if cfg.Default.BaseURL != "" {
			opts = append(opts, fablink.WithBaseURL(cfg.Default.BaseURL))
		}
		client := fablink.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.ListConversations(ctx, &fablink.PageOptions{Limit: 50})
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}

		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
