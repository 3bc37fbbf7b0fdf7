package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/sessionkeeper/internal/adapters/render/status"
	"github.com/bnema/sessionkeeper/internal/application"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session, each credential backend and the connection pools",
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			snapshot, err := loadSnapshot(cmd.Context(), a)
			if err != nil {
				return err
			}
			return writeStatusOutput(cmd, a, snapshot, asJSON)
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")

	return cmd
}

func loadSnapshot(ctx context.Context, a *app) (statusadapter.Snapshot, error) {
	if err := a.synchronizer.Initialize(ctx); err != nil {
		return statusadapter.Snapshot{}, fmt.Errorf("load credential: %w", err)
	}

	snapshot := statusadapter.Snapshot{Pools: a.pools.Stats()}

	if cred, ok := a.synchronizer.Current(); ok && a.synchronizer.IsValid(cred) {
		snapshot.Session = statusadapter.SessionStatus{
			LoggedIn:    true,
			Token:       cred.Redacted(),
			ExpiresAt:   cred.ExpiresAt,
			Refreshable: cred.Refreshable(a.now()),
		}
		if claims, err := application.ParseTokenClaims(cred.AccessToken); err == nil {
			snapshot.Session.Subject = claims.Subject
		}
	}

	for _, store := range a.stores {
		readCtx, cancel := context.WithTimeout(ctx, a.cfg.Sync.ReadTimeout)
		cred, err := store.Read(readCtx)
		cancel()

		backend := statusadapter.BackendStatus{Name: store.Name(), Present: cred != nil}
		if err != nil {
			backend.Err = err.Error()
		}
		snapshot.Backends = append(snapshot.Backends, backend)
	}

	return snapshot, nil
}

func writeStatusOutput(cmd *cobra.Command, a *app, snapshot statusadapter.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	rendered, err := a.statusRenderer(snapshot, statusadapter.RenderOptions{Now: a.now()})
	if err != nil {
		return fmt.Errorf("render status: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
