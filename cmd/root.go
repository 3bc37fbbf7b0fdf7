package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
}

type appRunFunc func(cmd *cobra.Command, args []string, a *app) error

// withApp wires the application for one command run and closes it after.
func (o *rootOptions) withApp(run appRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := wireApp(cmd.Context(), o.configPath, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, a.Close())
		}()

		return run(cmd, args, a)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "sk",
		Short:         "sessionkeeper (sk): keep one session credential in sync and hold live event streams",
		Long:          "sk (sessionkeeper) mirrors a session credential across several storage backends, refreshes it when it expires, calls authenticated APIs and keeps pooled live event streams connected.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.config/sessionkeeper/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(opts),
		newTokenCmd(opts),
		newStatusCmd(opts),
		newStreamCmd(opts),
		newAPICmd(opts),
	)

	return rootCmd
}
