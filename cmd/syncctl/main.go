// syncctl starts and inspects the IdP user migration.
//
//	syncctl migrate-users [--retry-failed]
//	syncctl status
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"idp-user-sync/internal/config"
	"idp-user-sync/internal/db"
	"idp-user-sync/internal/idp"
	"idp-user-sync/internal/logging"
	profilerepo "idp-user-sync/internal/profile/repository"
	"idp-user-sync/internal/queue"
	"idp-user-sync/internal/reconcile"
	"idp-user-sync/internal/telemetry"
	userdomain "idp-user-sync/internal/user/domain"
	userrepo "idp-user-sync/internal/user/repository"
)

type syncStore interface {
	ResetFailed(ctx context.Context) (int64, error)
	CountBySyncState(ctx context.Context) (map[userdomain.SyncState]int64, error)
}

// backend is what the commands operate on. run is nil when a broker carries the chain to cmd/worker;
// otherwise it drains the in-process queue until the chain ends.
type backend struct {
	users     syncStore
	publisher queue.Publisher
	run       func(ctx context.Context) (int, error)
	close     func()
}

type opener func(ctx context.Context, withQueue bool) (*backend, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "syncctl",
		Short:        "Start and inspect the IdP user migration",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(open), newStatusCmd(open))
	return root
}

func newMigrateCmd(open opener) *cobra.Command {
	var retryFailed bool
	cmd := &cobra.Command{
		Use:   "migrate-users",
		Short: "Import every user without an IdP id, one user per queue message",
		Long: `migrate-users publishes the first migrate_next command. Each handled command imports one
user and publishes the next, until no unlinked user is left. With KAFKA_BROKERS set the chain runs
in cmd/worker; otherwise it runs in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer b.close()

			out := cmd.OutOrStdout()
			if retryFailed {
				n, err := b.users.ResetFailed(cmd.Context())
				if err != nil {
					return fmt.Errorf("reset failed users: %w", err)
				}
				fmt.Fprintf(out, "reset %d failed users\n", n)
			}
			if err := reconcile.Enqueue(cmd.Context(), b.publisher, reconcile.MigrateNext{}); err != nil {
				return fmt.Errorf("enqueue migration: %w", err)
			}
			if b.run == nil {
				fmt.Fprintln(out, "migration chain started")
				return nil
			}
			n, err := b.run(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration chain: %w", err)
			}
			fmt.Fprintf(out, "migration chain finished after %d steps\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "reset users whose previous import failed before starting")
	return cmd
}

func newStatusCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print how many users are pending, linked, and failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			counts, err := b.users.CountBySyncState(cmd.Context())
			if err != nil {
				return fmt.Errorf("count users: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tUSERS")
			for _, s := range []userdomain.SyncState{userdomain.SyncStatePending, userdomain.SyncStateLinked, userdomain.SyncStateFailed} {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
			}
			return w.Flush()
		},
	}
}

// openBackend connects to Postgres and, when withQueue is set, to the queue.
func openBackend(cfg *config.Config) opener {
	return func(ctx context.Context, withQueue bool) (*backend, error) {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		users := userrepo.NewPostgresRepository(conn)
		closers := []func() error{conn.Close}
		b := &backend{users: users}
		b.close = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
		if !withQueue {
			return b, nil
		}

		if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
			pub, err := queue.NewKafkaPublisher(brokers, cfg.SyncTopic)
			if err != nil {
				b.close()
				return nil, fmt.Errorf("kafka: %w", err)
			}
			closers = append(closers, pub.Close)
			b.publisher = pub
			return b, nil
		}

		if err := cfg.ValidateIDP(); err != nil {
			b.close()
			return nil, err
		}
		client, closeIDP, err := idp.Setup(cfg, nil)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("idp: %w", err)
		}
		closers = append(closers, closeIDP)

		policy := queue.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.QueueMaxAttempts
		bus := queue.NewMemoryBus(policy)
		router := queue.NewRouter()
		reconcile.Register(router,
			reconcile.NewHandler(users, client, telemetry.Noop{}),
			reconcile.NewMigrator(users, profilerepo.NewPostgresRepository(conn), client, userrepo.NewAdvisoryLocker(conn), telemetry.Noop{},
				reconcile.WithTransientLimit(policy.MaxAttempts)),
			bus)
		b.publisher = bus
		b.run = func(ctx context.Context) (int, error) {
			return bus.Drain(ctx, router.Dispatch)
		}
		return b, nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Env, cfg.LogLevel, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(openBackend(cfg)).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("syncctl: command failed", "error", err)
		}
		os.Exit(1)
	}
}
