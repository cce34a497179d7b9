package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"uk.co.dudmesh.sitechat/internal/model"
)

func init() {
	rootCmd.AddCommand(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read [conversation]",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := newChat(cmd, nil)
		if err != nil {
			return err
		}
		defer service.Close()

		ctx := cmd.Context()
		messages, err := service.LoadMessages(ctx, model.ConversationID(args[0]))
		if err != nil {
			return err
		}
		service.MarkVisible()
		service.FlushReceipts(ctx)

		unread := 0
		for _, msg := range service.Messages() {
			if msg.State != model.DeliveryRead {
				unread++
			}
		}
		fmt.Printf("%d messages, %d not read by others\n", len(messages), unread)
		return nil
	},
}
