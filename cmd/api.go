package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bnema/sessionkeeper/internal/application"
)

func newAPICmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Call the API with the session credential",
		Long:  "Send an authenticated request to api.base_url. A 401 refreshes the credential and retries once; a second 401 logs the session out.",
	}

	cmd.AddCommand(
		newAPIGetCmd(opts),
		newAPIPostCmd(opts),
		newAPIDeleteCmd(opts),
	)

	return cmd
}

func newAPIGetCmd(opts *rootOptions) *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "get PATH",
		Short: "GET a path and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			if err := a.synchronizer.Initialize(ctx); err != nil {
				return fmt.Errorf("load credential: %w", err)
			}

			body, err := a.api.Fetch(ctx, args[0], application.FetchOptions{
				ForceRefresh: fresh,
				CacheTime:    a.cfg.Coordinator.CacheTime,
			})
			if err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		}),
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "Bypass the response cache")

	return cmd
}

func newAPIPostCmd(opts *rootOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "post PATH",
		Short: "POST a JSON document and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if !json.Valid([]byte(data)) {
				return errors.New("api post: --data must be a JSON document")
			}
			ctx := cmd.Context()
			if err := a.synchronizer.Initialize(ctx); err != nil {
				return fmt.Errorf("load credential: %w", err)
			}

			var body []byte
			if err := a.api.Post(ctx, args[0], json.RawMessage(data), &body); err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		}),
	}

	cmd.Flags().StringVar(&data, "data", "{}", "Request body")

	return cmd
}

func newAPIDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATH",
		Short: "DELETE a path and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			if err := a.synchronizer.Initialize(ctx); err != nil {
				return fmt.Errorf("load credential: %w", err)
			}

			var body []byte
			if err := a.api.Delete(ctx, args[0], &body); err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		}),
	}
}

// writeBody pretty-prints JSON bodies and copies anything else verbatim.
func writeBody(out io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, err = out.Write(body)
		return err
	}
	pretty.WriteByte('\n')
	_, err := pretty.WriteTo(out)
	return err
}
