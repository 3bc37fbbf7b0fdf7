package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/sessionkeeper/internal/adapters/transport"
	"github.com/bnema/sessionkeeper/internal/adapters/transport/ndjson"
	"github.com/bnema/sessionkeeper/internal/application"
	"github.com/bnema/sessionkeeper/internal/domain"
)

const defaultStreamOwner = "sk-cli"

func newStreamCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Hold live event stream connections",
	}

	cmd.AddCommand(newStreamWatchCmd(opts))

	return cmd
}

type streamWatchOptions struct {
	owner         string
	count         int
	timeout       time.Duration
	showKeepalive bool
}

func newStreamWatchCmd(opts *rootOptions) *cobra.Command {
	watch := streamWatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the event stream and print events as JSON lines",
		Long:  "Acquire a pooled stream connection and print every event it delivers until interrupted. Dropped connections are reconnected with backoff and the health monitor restarts idle ones.",
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			return runStreamWatch(cmd, a, watch)
		}),
	}

	cmd.Flags().StringVar(&watch.owner, "owner", defaultStreamOwner, "Connection owner key")
	cmd.Flags().IntVar(&watch.count, "count", 0, "Stop after this many events (0 = until interrupted)")
	cmd.Flags().DurationVar(&watch.timeout, "timeout", 0, "Stop after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&watch.showKeepalive, "keepalive", false, "Also print keepalive events")

	return cmd
}

func runStreamWatch(cmd *cobra.Command, a *app, watch streamWatchOptions) error {
	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	if watch.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, watch.timeout)
		defer stop()
	}

	events := make(chan domain.StreamEvent, 64)
	handler := func(event domain.StreamEvent) {
		if event.Type == ndjson.KeepaliveEvent && !watch.showKeepalive {
			return
		}
		select {
		case events <- event:
		case <-ctx.Done():
		}
	}

	unsubscribe := a.bus.Subscribe(func(event domain.Event) {
		switch e := event.(type) {
		case domain.ConnectionPermanentlyFailed:
			if e.OwnerKey != watch.owner {
				return
			}
			if e.Err != nil {
				cancel(e.Err)
				return
			}
			cancel(domain.ErrConnectionPermanentlyFailed)
		case domain.LoggedOut:
			cancel(fmt.Errorf("%w: %s", errNotLoggedIn, e.Reason))
		}
	})
	defer unsubscribe()

	go func() {
		if err := a.synchronizer.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("credential watch stopped", "error", err.Error())
		}
	}()
	a.pools.Start(ctx)
	defer a.pools.ReleaseConnection(watch.owner)

	err := runConnectSpinner(ctx, spinnerOutput(cmd), "Loading credential...", func(ctx context.Context, report func(string)) error {
		if err := a.synchronizer.Initialize(ctx); err != nil {
			return err
		}
		if _, ok := a.synchronizer.GetCredential(ctx); !ok {
			return errNotLoggedIn
		}

		report("Connecting to " + a.cfg.Stream.URL + "...")
		_, err := a.pools.AcquireConnection(ctx, watch.owner, application.AcquireOptions{Handler: handler})
		return err
	})
	if err != nil {
		if stopped := watchResult(ctx); stopped != nil {
			return stopped
		}
		return fmt.Errorf("connect stream: %w", err)
	}

	a.logger.Info("stream connected", "owner", watch.owner, "url", a.cfg.Stream.URL)
	return printEvents(ctx, cmd.OutOrStdout(), events, watch.count)
}

func printEvents(ctx context.Context, out io.Writer, events <-chan domain.StreamEvent, count int) error {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return watchResult(ctx)
		case event := <-events:
			line, err := transport.EncodeEvent(event.Type, rawData(event.Data))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, string(line)); err != nil {
				return err
			}

			printed++
			if count > 0 && printed >= count {
				return nil
			}
		}
	}
}

// watchResult maps the reason the watch stopped: a deadline or an
// interrupt is a normal end, anything else is reported.
func watchResult(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return nil
	}
	return fmt.Errorf("stream stopped: %w", cause)
}

func rawData(data []byte) json.RawMessage {
	if len(data) == 0 || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}

// spinnerOutput keeps the spinner off stderr when it is not a terminal.
func spinnerOutput(cmd *cobra.Command) io.Writer {
	errOut := cmd.ErrOrStderr()
	if f, ok := errOut.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice == 0 {
			return io.Discard
		}
	}
	return errOut
}
