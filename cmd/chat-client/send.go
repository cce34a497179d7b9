package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"uk.co.dudmesh.sitechat/internal/model"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArray("attach", nil, "attachment as name=url, repeatable")
	sendCmd.Flags().Duration("wait", 5*time.Second, "how long to wait for the server to confirm")
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation] [text...]",
	Short: "Send a message and wait for its confirmation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var attachments []model.Attachment
		raw, _ := cmd.Flags().GetStringArray("attach")
		for _, value := range raw {
			attachment, err := parseAttachment(value)
			if err != nil {
				return err
			}
			attachments = append(attachments, attachment)
		}

		service, err := newChat(cmd, nil)
		if err != nil {
			return err
		}
		defer service.Close()

		ctx := cmd.Context()
		if _, err := service.LoadMessages(ctx, model.ConversationID(args[0])); err != nil {
			return err
		}
		sent, err := service.SendMessage(ctx, strings.Join(args[1:], " "), attachments...)
		if err != nil {
			return err
		}
		if sent.Ref.IsConfirmed() {
			printMessage(os.Stdout, sent)
			return nil
		}

		wait, _ := cmd.Flags().GetDuration("wait")
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			for _, msg := range service.Messages() {
				if msg.ClientID == sent.ClientID && msg.Ref.IsConfirmed() {
					printMessage(os.Stdout, msg)
					return nil
				}
			}
			time.Sleep(50 * time.Millisecond)
		}
		return fmt.Errorf("%w: no confirmation for %s within %s", model.ErrorNetwork, sent.ClientID, wait)
	},
}
