// Command bastionctl runs schema migrations and provisions tenants and
// identities directly against the configured store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"bastion.dev/internal/app"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/config"
	"bastion.dev/internal/obs"
)

type cli struct {
	stdout     io.Writer
	stdin      io.Reader
	configPath string
	actor      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout}
	root := &cobra.Command{
		Use:           "bastionctl",
		Short:         "Administer the bastion identity store",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stdout)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to bastion.yaml")
	root.PersistentFlags().StringVar(&c.actor, "actor", "", "operator recorded in audit events (default $USER)")

	root.AddCommand(newMigrateCmd(c))
	root.AddCommand(newTenantCmd(c))
	root.AddCommand(newPolicyCmd(c))
	root.AddCommand(newIdentityCmd(c))
	return root
}

func (c *cli) config() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	obs.SetLogger(logger)
	return cfg, nil
}

// withService opens the application for one command and closes it afterwards
// so queued audit events are flushed.
func (c *cli) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *auth.Service) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	actor := c.actor
	if actor == "" {
		actor = os.Getenv("USER")
	}
	ctx := auth.ContextWithActor(cmd.Context(), actor)
	runErr := fn(ctx, a.Service)
	if err := a.Close(context.WithoutCancel(cmd.Context())); err != nil && runErr == nil {
		runErr = fmt.Errorf("close: %w", err)
	}
	return runErr
}
