package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/spf13/cobra"

	"uk.co.dudmesh.sitechat/internal/boot"
	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/identity"
	"uk.co.dudmesh.sitechat/internal/model"
	"uk.co.dudmesh.sitechat/internal/remote"
	"uk.co.dudmesh.sitechat/internal/service/chat"
	"uk.co.dudmesh.sitechat/internal/source"
)

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Project chat from the terminal",
	Long: `chat-client follows and writes to project conversations of a chat server,
or to built-in fixture conversations when run with --mode fixture.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("server", "", "chat server url (default $CHAT_SERVER_URL)")
	rootCmd.PersistentFlags().String("token", "", "bearer token (default $CHAT_TOKEN)")
	rootCmd.PersistentFlags().String("mode", "", "data mode: live or fixture (default $CHAT_MODE)")
	rootCmd.PersistentFlags().String("as", "architect", "participant to act as in fixture mode without a token")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log subscription activity")
}

// Chat is what the commands need from the chat service.
type Chat interface {
	LoadMessages(ctx context.Context, conversationID model.ConversationID) ([]model.Message, error)
	SendMessage(ctx context.Context, text string, attachments ...model.Attachment) (model.Message, error)
	Messages() []model.Message
	OnStatusChange(fn chat.StatusFunc) func()
	MarkVisible()
	FlushReceipts(ctx context.Context)
	Close() error
}

// newChat builds a chat service from the environment and the global flags.
func newChat(cmd *cobra.Command, onChange func(model.Message)) (Chat, error) {
	config, err := boot.Load()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	flags := cmd.Flags()
	if verbose, _ := flags.GetBool("verbose"); verbose {
		log.SetLevel(log.INFO)
	} else {
		log.SetLevel(log.ERROR)
	}

	serverURL := config.Client.ServerURL
	if value, _ := flags.GetString("server"); value != "" {
		serverURL = value
	}
	token := config.Client.Token
	if value, _ := flags.GetString("token"); value != "" {
		token = value
	}
	rawMode := config.Chat.Mode
	if value, _ := flags.GetString("mode"); value != "" {
		rawMode = value
	}
	mode, err := model.ParseMode(rawMode)
	if err != nil {
		return nil, err
	}

	opts := chat.Options{
		Mode: mode,
		Backoff: channel.Backoff{
			Initial:     config.Chat.ReconnectInitial,
			MaxInterval: config.Chat.ReconnectMaxInterval,
			MaxRetries:  config.Chat.ReconnectMaxRetries,
		},
		ReadWindow: config.Chat.ReadDebounce,
		OnChange:   onChange,
	}
	if config.Chat.FixtureFile != "" {
		path := config.Chat.FixtureFile
		if _, err := source.LoadFixtureData(path); err != nil {
			return nil, err
		}
		opts.NewFixture = func() source.Source {
			data, err := source.LoadFixtureData(path)
			if err != nil {
				log.Errorf("reloading fixtures: %v", err)
				data = source.DefaultFixtureData()
			}
			return source.NewFixture(data)
		}
	}

	switch {
	case mode == model.ModeLive:
		if token == "" {
			return nil, fmt.Errorf("%w: live mode needs a token", model.ErrorAuth)
		}
		client, err := remote.New(remote.Config{BaseURL: serverURL, Token: token})
		if err != nil {
			return nil, err
		}
		opts.Live = source.Live(client, client)
		opts.Identity = client
	case token != "":
		opts.Identity = identity.NewTokenProvider(identity.NewTokens(config.Auth.Secret), token)
	default:
		as, _ := flags.GetString("as")
		opts.Identity = identity.Static{ID: model.ParticipantID(as), Name: as}
	}

	service, err := chat.New(opts)
	if err != nil {
		return nil, err
	}
	return service, nil
}

func printMessage(out *os.File, msg model.Message) {
	marker := " "
	if msg.Ref.IsPending() {
		marker = "…"
	}
	edited := ""
	if msg.Edited {
		edited = " (edited)"
	}
	fmt.Fprintf(out, "%s %s %-12s %s%s [%s]\n", marker, msg.CreatedAt.Local().Format(time.Kitchen), msg.SenderID, msg.Body, edited, msg.State)
	for _, a := range msg.Attachments {
		fmt.Fprintf(out, "      📎 %s (%s, %d bytes)\n", a.Name, a.MimeType, a.Size)
	}
}

func parseAttachment(raw string) (model.Attachment, error) {
	name, url, ok := strings.Cut(raw, "=")
	if !ok || name == "" || url == "" {
		return model.Attachment{}, fmt.Errorf("%w: attachment %q, want name=url", model.ErrorValidation, raw)
	}
	return model.Attachment{Name: name, URL: url}, nil
}
