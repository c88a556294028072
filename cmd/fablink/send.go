package main

import (
	"context"
	"fmt"
	"time"

	fablink "github.com/fablink-app/fablink-go"
	"github.com/spf13/cobra"
)

var sendFiles []string

func init() {
	sendCmd.Flags().StringArrayVar(&sendFiles, "file", nil, "Attach a file (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a single message",
	Long:  "Send one message over REST without opening an interactive session.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		conversationID := args[0]
		body := ""
		if len(args) == 2 {
			body = args[1]
		}

		var files []fablink.PendingFile
		for _, path := range sendFiles {
			file, err := readPendingFile(path)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
			files = append(files, *file)
		}

		ctrl := fablink.NewDetailController(client, nil, conversationID, sessionRole(cfg), &fablink.DetailControllerOptions{
			Logger: newLogger(),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		msg, err := ctrl.Send(ctx, body, files)
		if err != nil {
			return err
		}

		fmt.Printf("Sent %s\n", msg.ClientTempID)
		return nil
	},
}
