package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"uk.co.dudmesh.sitechat/internal/boot"
	"uk.co.dudmesh.sitechat/internal/identity"
	"uk.co.dudmesh.sitechat/internal/model"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().String("email", "", "email address")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token [participant]",
	Short: "Issue a development token signed with $JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := boot.Load()
		if err != nil {
			return err
		}
		if config.IsProduction() {
			return fmt.Errorf("refusing to issue tokens in production")
		}
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := identity.NewTokens(config.Auth.Secret).Issue(model.Participant{
			ID:    model.ParticipantID(args[0]),
			Name:  name,
			Email: email,
		}, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}
