package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxwalker/maintsync/internal/model"
)

func newLoginCmd(g *globalFlags) *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if password == "" {
				password = os.Getenv("MAINTSYNC_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			s, err := a.creds.Login(cmd.Context(), model.Credentials{Username: user, Password: password})
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": s.Subject, "expires_at": s.ExpiresAt})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", s.Subject)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password (or MAINTSYNC_PASSWORD; prompted when empty)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLogoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.creds.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoamiCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			s, ok := a.creds.Snapshot()
			if g.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"authenticated": ok, "user_id": s.Subject, "expires_at": s.ExpiresAt,
				})
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (token expires %s)\n", a.creds.CurrentUserID(), ago(s.ExpiresAt))
			return nil
		},
	}
}
