package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bastion.dev/internal/app"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/migrate"
)

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or list schema migrations",
	}
	run := func(fn func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			_, sqlStore, err := app.OpenStore(cfg.Store)
			if err != nil {
				return err
			}
			if sqlStore == nil {
				return errors.New("the memory store has no schema")
			}
			defer sqlStore.Close()
			m, err := app.Migrator(sqlStore)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), m)
		}
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(c.stdout, "schema is up to date")
			}
			for _, name := range applied {
				fmt.Fprintf(c.stdout, "applied %s\n", name)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "rolled back %s\n", name)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, m *migrate.Manager) error {
			names, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(c.stdout, name)
			}
			return nil
		}),
	})
	return cmd
}

func newTenantCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	var name string
	create := &cobra.Command{
		Use:   "create TENANT",
		Short: "Register a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				if err := svc.CreateTenant(ctx, args[0], name); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "tenant %s created\n", args[0])
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	cmd.AddCommand(create)
	return cmd
}

func newPolicyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Show or change a tenant's security policy"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show TENANT",
		Short: "Print the effective policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				p, err := svc.Policy(ctx, args[0])
				if err != nil {
					return err
				}
				printPolicy(c, p)
				return nil
			})
		},
	})

	var (
		threshold, minLen           int
		lockout, lifetime, idleTime time.Duration
	)
	set := &cobra.Command{
		Use:   "set TENANT",
		Short: "Store a new policy version; unset flags keep their current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				p, err := svc.Policy(ctx, args[0])
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				if flags.Changed("lockout-threshold") {
					p.LockoutThreshold = threshold
				}
				if flags.Changed("lockout-duration") {
					p.LockoutDuration = lockout
				}
				if flags.Changed("session-lifetime") {
					p.SessionLifetime = lifetime
				}
				if flags.Changed("idle-timeout") {
					p.IdleTimeout = idleTime
				}
				if flags.Changed("min-secret-length") {
					p.MinSecretLength = minLen
				}
				stored, err := svc.SetPolicy(ctx, args[0], p)
				if err != nil {
					return err
				}
				printPolicy(c, stored)
				return nil
			})
		},
	}
	set.Flags().IntVar(&threshold, "lockout-threshold", 0, "failed attempts before lockout")
	set.Flags().DurationVar(&lockout, "lockout-duration", 0, "how long a lockout lasts")
	set.Flags().DurationVar(&lifetime, "session-lifetime", 0, "absolute session lifetime")
	set.Flags().DurationVar(&idleTime, "idle-timeout", 0, "sliding idle timeout (0 disables)")
	set.Flags().IntVar(&minLen, "min-secret-length", 0, "minimum secret length")
	cmd.AddCommand(set)
	return cmd
}

func printPolicy(c *cli, p auth.SecurityPolicy) {
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "lockout_threshold\t%d\n", p.LockoutThreshold)
	fmt.Fprintf(tw, "lockout_duration\t%s\n", p.LockoutDuration)
	fmt.Fprintf(tw, "session_lifetime\t%s\n", p.SessionLifetime)
	fmt.Fprintf(tw, "idle_timeout\t%s\n", p.IdleTimeout)
	fmt.Fprintf(tw, "min_secret_length\t%d\n", p.MinSecretLength)
	_ = tw.Flush()
}

func newIdentityCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage identities of a tenant"}
	cmd.AddCommand(newIdentityCreateCmd(c))
	cmd.AddCommand(&cobra.Command{
		Use:   "unlock TENANT USERNAME",
		Short: "Reset the lockout state of an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				res, err := svc.AdminUnlock(ctx, args[0], args[1], "")
				if err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("identity %s not found in %s", args[1], args[0])
				}
				fmt.Fprintf(c.stdout, "identity %s unlocked\n", args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate TENANT USERNAME",
		Short: "Deactivate an identity and revoke its sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				n, err := svc.DeactivateIdentity(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "identity %s deactivated, %d session(s) revoked\n", args[1], n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "history TENANT USERNAME",
		Short: "List credential versions without secret material",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				versions, err := svc.CredentialHistory(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tVALID FROM\tVALID TO\tALGORITHM\tFAILED\tLOCKED\tREASON")
				for _, v := range versions {
					to := "current"
					if v.ValidTo != nil {
						to = v.ValidTo.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%t\t%s\n", v.Seq, v.ValidFrom.UTC().Format(time.RFC3339),
						to, v.Algorithm, v.FailedAttempts, v.Locked, v.Reason)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func newIdentityCreateCmd(c *cli) *cobra.Command {
	var (
		secretStdin bool
		hash        string
		algorithm   string
		forceChange bool
	)
	cmd := &cobra.Command{
		Use:   "create TENANT USERNAME",
		Short: "Register an identity",
		Long: `Register an identity. The secret is read from stdin (--secret-stdin), or an
existing hash is imported with --hash and --algorithm (argon2id, bcrypt or sha256).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := auth.NewIdentity{Username: args[1], ForceChange: forceChange}
			switch {
			case secretStdin:
				line, err := bufio.NewReader(c.stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret: %w", err)
				}
				in.Secret = strings.TrimRight(line, "\r\n")
			case hash != "":
				in.SecretHash = hash
				in.Algorithm = auth.Algorithm(algorithm)
			default:
				return errors.New("either --secret-stdin or --hash is required")
			}
			return c.withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				key, err := svc.CreateIdentity(ctx, args[0], in)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "identity %s created (%s)\n", args[1], key.Short())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&secretStdin, "secret-stdin", false, "read the secret from the first line of stdin")
	cmd.Flags().StringVar(&hash, "hash", "", "import an existing secret hash")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(auth.AlgBcrypt), "algorithm of --hash")
	cmd.Flags().BoolVar(&forceChange, "force-change", false, "require a secret change after first login")
	return cmd
}
