package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"uk.co.dudmesh.sitechat/internal/model"
	"uk.co.dudmesh.sitechat/internal/service/chat"
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().Bool("read", true, "mark messages read while following")
}

var tailCmd = &cobra.Command{
	Use:   "tail [conversation]",
	Short: "Print a conversation and follow new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := newChat(cmd, func(msg model.Message) {
			printMessage(os.Stdout, msg)
		})
		if err != nil {
			return err
		}
		defer service.Close()

		service.OnStatusChange(func(status chat.Status) {
			if status.Err != nil {
				fmt.Fprintf(os.Stderr, "-- %s: %v\n", status.Connection, status.Err)
				return
			}
			fmt.Fprintf(os.Stderr, "-- %s\n", status.Connection)
		})

		messages, err := service.LoadMessages(cmd.Context(), model.ConversationID(args[0]))
		if err != nil {
			return err
		}
		for _, msg := range messages {
			printMessage(os.Stdout, msg)
		}
		if read, _ := cmd.Flags().GetBool("read"); read {
			service.MarkVisible()
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt)
		<-quit
		service.FlushReceipts(cmd.Context())
		return nil
	},
}
