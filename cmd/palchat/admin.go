package main

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
)

func tokenCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.NotValidf("empty JWT_SECRET")
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.db.Close()

			if _, err := b.store.User(cmd.Context(), userID); err != nil {
				return err
			}
			tok, err := auth.NewToken(cfg.JWTSecret, userID, cfg.JWTTTLMin)
			if err != nil {
				return errors.Annotate(err, "signing token")
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	var email, name, company string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.db.Close()

			u, err := b.store.CreateUser(cmd.Context(), email, name, company)
			if err != nil {
				return err
			}
			log.Info("user created", "user_id", u.ID, "display_name", u.DisplayName)
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&company, "company", "", "company name, used as the display name when set")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}
