package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/sessionkeeper/internal/application"
	"github.com/bnema/sessionkeeper/internal/domain"
)

var errNotLoggedIn = errors.New("not logged in: store a credential with `sk token set`")

type tokenOutput struct {
	AccessToken string          `json:"access_token"`
	Subject     string          `json:"subject,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at,omitzero"`
	Refreshable bool            `json:"refreshable"`
	User        json.RawMessage `json:"user,omitempty"`
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the session credential",
	}

	cmd.AddCommand(
		newTokenGetCmd(opts),
		newTokenSetCmd(opts),
		newTokenRefreshCmd(opts),
		newTokenClearCmd(opts),
	)

	return cmd
}

func newTokenGetCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the current access token",
		Long:  "Print the access token of the first backend holding a valid credential. An expired credential with a refresh token is refreshed first.",
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			if err := a.synchronizer.Initialize(ctx); err != nil {
				return fmt.Errorf("load credential: %w", err)
			}

			cred, ok := a.synchronizer.GetCredential(ctx)
			if !ok {
				return errNotLoggedIn
			}

			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), cred.AccessToken)
				return err
			}

			out := tokenOutput{
				AccessToken: cred.AccessToken,
				ExpiresAt:   cred.ExpiresAt,
				Refreshable: cred.Refreshable(a.now()),
				User:        cred.User,
			}
			if claims, err := application.ParseTokenClaims(cred.AccessToken); err == nil {
				out.Subject = claims.Subject
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the credential as JSON")

	return cmd
}

func newTokenSetCmd(opts *rootOptions) *cobra.Command {
	var (
		token        string
		refreshToken string
		user         string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a credential in every configured backend",
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			token = strings.TrimSpace(token)
			claims, err := application.ParseTokenClaims(token)
			if err != nil {
				return fmt.Errorf("token set: %w", err)
			}
			if !claims.ExpiresAt.After(a.now()) {
				return fmt.Errorf("token set: token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
			}
			if user != "" && !json.Valid([]byte(user)) {
				return errors.New("token set: --user must be a JSON document")
			}

			cred := domain.Credential{
				AccessToken:  token,
				RefreshToken: strings.TrimSpace(refreshToken),
			}
			if user != "" {
				cred.User = json.RawMessage(user)
			}
			if err := a.synchronizer.SetCredential(cmd.Context(), cred); err != nil {
				return fmt.Errorf("store credential: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Credential stored in %s (expires %s)\n",
				strings.Join(a.cfg.Storage.Backends, ", "),
				claims.ExpiresAt.Local().Format(time.RFC3339),
			)
			return err
		}),
	}

	cmd.Flags().StringVar(&token, "token", "", "JWT access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "Refresh token used to renew the access token")
	cmd.Flags().StringVar(&user, "user", "", "User record as a JSON document")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newTokenRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			if err := a.synchronizer.Initialize(ctx); err != nil {
				return fmt.Errorf("load credential: %w", err)
			}
			if _, ok := a.synchronizer.Current(); !ok {
				return errNotLoggedIn
			}

			cred, err := a.synchronizer.Refresh(ctx)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Token refreshed: %s (expires %s)\n",
				cred.Redacted(),
				cred.ExpiresAt.Local().Format(time.RFC3339),
			)
			return err
		}),
	}
}

func newTokenClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "clear",
		Aliases: []string{"logout"},
		Short:   "Remove the credential from every backend",
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			a.synchronizer.ClearAll(cmd.Context(), application.ClearOptions{Reason: "cleared from the command line"})

			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return err
		}),
	}
}
