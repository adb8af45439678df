// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/chat"
	"github.com/jeranaias/lumen-client/internal/config"
	"github.com/jeranaias/lumen-client/internal/model"
	"github.com/jeranaias/lumen-client/internal/util"
)

type configLoader func() (*config.Config, error)

// =============================================================================
// LOGIN / LOGOUT / WHOAMI
// =============================================================================

func newLoginCmd(loadConfig configLoader) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to your account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, chat.Events{})
			if err != nil {
				return err
			}
			defer a.close()

			if email == "" {
				line := liner.NewLiner()
				email, err = line.Prompt("Email: ")
				line.Close()
				if err != nil {
					return err
				}
			}
			fmt.Print("Password: ")
			pw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			identity, err := a.auth.Login(cmd.Context(), strings.TrimSpace(email), string(pw))
			if err != nil {
				return err
			}
			fmt.Printf("Signed in as %s (%s)\n", identity.DisplayName, identity.Plan)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	return cmd
}

func newLogoutCmd(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, chat.Events{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.auth.Logout(); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

func newWhoamiCmd(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, chat.Events{})
			if err != nil {
				return err
			}
			defer a.close()

			a.auth.Initialize(cmd.Context())
			identity, lifecycle := a.auth.State().Snapshot()
			if !identity.IsAuthenticated() {
				fmt.Printf("Not signed in (%s). Chatting works as a guest.\n", lifecycle)
				return nil
			}
			fmt.Printf("%s <%s>\n", identity.DisplayName, identity.UserID)
			fmt.Printf("  role: %s\n  plan: %s\n", identity.Role, identity.Plan)
			if identity.Subscription.RenewsAt != "" {
				fmt.Printf("  renews: %s\n", identity.Subscription.RenewsAt)
			}
			return nil
		},
	}
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func newConversationsCmd(loadConfig configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage saved conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, pinned first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, chat.Events{})
			if err != nil {
				return err
			}
			defer a.close()

			a.auth.Initialize(cmd.Context())
			if !a.auth.State().Identity().IsAuthenticated() {
				return fmt.Errorf("sign in first: conversations are only stored for accounts")
			}
			a.nav.enter(api.AreaProtected)
			if err := a.convs.FetchAll(cmd.Context()); err != nil {
				return err
			}

			for _, c := range a.convs.List() {
				pin := " "
				if c.Pinned {
					pin = "*"
				}
				fmt.Printf("%s %-36s  %-40s  %s\n",
					pin, c.ID, util.TruncateString(c.Title, 40), c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, chat.Events{})
			if err != nil {
				return err
			}
			defer a.close()

			a.auth.Initialize(cmd.Context())
			if err := a.convs.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	})

	return cmd
}

// =============================================================================
// CHAT
// =============================================================================

func newChatCmd(loadConfig configLoader) *cobra.Command {
	var school, grade, subject, topic string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Interactive commands:
  /new               Start a fresh conversation
  /list              List conversations
  /switch <id>       Switch to a conversation
  /context           Re-select school context
  /regen             Regenerate the last answer
  /stop              Stop rendering the pending answer
  /quit              Exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := &repl{}
			a, err := newApp(cfg, r.events())
			if err != nil {
				return err
			}
			defer a.close()
			r.app = a

			a.auth.Initialize(cmd.Context())
			if a.auth.State().Identity().IsAuthenticated() {
				a.nav.enter(api.AreaProtected)
				if err := a.convs.FetchAll(cmd.Context()); err != nil {
					a.log.Warn("could not load conversation list")
				}
			}

			if school != "" {
				a.orch.SetContext(model.SchoolContext{
					SchoolName: school, Grade: grade, Subject: subject, Topic: topic,
				})
			}

			return r.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&school, "school", "", "school name")
	cmd.Flags().StringVar(&grade, "grade", "", "grade level")
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	return cmd
}
