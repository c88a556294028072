package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	fablink "github.com/fablink-app/fablink-go"
	"github.com/spf13/cobra"
)

var chatHistory int

func init() {
	chatCmd.Flags().IntVar(&chatHistory, "history", 50, "Number of history messages to load")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Open a conversation",
	Long: "Open a conversation for interactive chat. With no argument, reopens the\n" +
		"conversation from the previous session. Type a message and press enter to\n" +
		"send, '/file <path>' to send a file, '/quit' to leave.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		logger := newLogger()

		conversationID := cfg.Session.ActiveConversationID
		if len(args) == 1 {
			conversationID = args[0]
		}
		if conversationID == "" {
			return fmt.Errorf("no conversation id given and none saved from a previous session")
		}

		// Remember the open conversation across restarts.
		if conversationID != cfg.Session.ActiveConversationID {
			cfg.Session.ActiveConversationID = conversationID
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Live connection is best effort: without it sends fall back to REST.
		rt := client.Realtime.NewConnection(&fablink.RealtimeConfig{
			Token:  cfg.Auth.Token,
			Logger: logger,
		})
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := rt.Connect(connectCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Live connection unavailable, sending over REST: %v\n", err)
		}
		defer rt.Disconnect()

		unread := fablink.NewUnreadCoordinator(client.Conversations.MarkRead, logger)

		var ctrl *fablink.DetailController
		ctrl = fablink.NewDetailController(client, rt, conversationID, sessionRole(cfg), &fablink.DetailControllerOptions{
			Unread: unread,
			OnScrollToLatest: func() {
				msgs := ctrl.Messages()
				if len(msgs) > 0 {
					printMessage(msgs[len(msgs)-1])
				}
			},
			Logger: logger,
		})

		ctrl.Open(ctx)
		defer ctrl.Close()

		if err := ctrl.LoadHistory(ctx, chatHistory); err != nil {
			return err
		}

		for _, section := range ctrl.Timeline() {
			fmt.Printf("--- %s ---\n", section.Label)
			for _, m := range section.Messages {
				printMessage(m)
			}
		}
		fmt.Println()

		// Input loop runs on its own goroutine so Ctrl-C interrupts a blocked
		// read.
		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit":
					return nil
				case strings.HasPrefix(line, "/file "):
					path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
					file, err := readPendingFile(path)
					if err != nil {
						fmt.Fprintf(os.Stderr, "Cannot read file: %v\n", err)
						continue
					}
					if _, err := ctrl.Send(ctx, "", []fablink.PendingFile{*file}); err != nil {
						fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
					}
				default:
					if _, err := ctrl.Send(ctx, line, nil); err != nil {
						fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
					}
				}
			}
		}
	},
}

// printMessage renders one message line.
func printMessage(m fablink.Message) {
	marker := ""
	if m.State == fablink.StateOptimistic {
		marker = " (sending)"
	}
	body := m.Body
	for _, a := range m.Attachments {
		name := a.FileName
		if name == "" {
			name = string(a.Kind)
		}
		body = strings.TrimSpace(body + " [" + name + "]")
	}
	fmt.Printf("[%s] %-12s %s%s\n", m.CreatedAt.Local().Format("15:04"), m.SenderRole, body, marker)
}

// readPendingFile loads a local file for attachment upload.
func readPendingFile(path string) (*fablink.PendingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &fablink.PendingFile{
		Name: filepath.Base(path),
		Data: data,
	}, nil
}
