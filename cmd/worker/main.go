// Worker consumes sync and migration envelopes from Kafka and applies them to the IdP.
// Set KAFKA_BROKERS, SYNC_KAFKA_TOPIC, KAFKA_GROUP_ID, DATABASE_URL and the IDP_* credentials.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idp-user-sync/internal/config"
	"idp-user-sync/internal/db"
	"idp-user-sync/internal/idp"
	"idp-user-sync/internal/logging"
	profilerepo "idp-user-sync/internal/profile/repository"
	"idp-user-sync/internal/queue"
	"idp-user-sync/internal/reconcile"
	"idp-user-sync/internal/telemetry/otel"
	userrepo "idp-user-sync/internal/user/repository"
)

func run(ctx context.Context, cfg *config.Config) error {
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if err := cfg.ValidateIDP(); err != nil {
		return err
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	providers, err := otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "idp-user-sync-worker",
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()
	recorder, err := otel.NewRecorder(providers.MeterProvider, providers.LoggerProvider)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	client, closeIDP, err := idp.Setup(cfg, providers.TracerProvider)
	if err != nil {
		return fmt.Errorf("idp: %w", err)
	}
	defer closeIDP()

	publisher, err := queue.NewKafkaPublisher(brokers, cfg.SyncTopic)
	if err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}
	defer publisher.Close()

	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.QueueMaxAttempts
	consumer, err := queue.NewKafkaConsumer(brokers, cfg.SyncTopic, cfg.KafkaGroupID, policy)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()

	users := userrepo.NewPostgresRepository(conn)
	profiles := profilerepo.NewPostgresRepository(conn)
	router := queue.NewRouter()
	reconcile.Register(router,
		reconcile.NewHandler(users, client, recorder),
		reconcile.NewMigrator(users, profiles, client, userrepo.NewAdvisoryLocker(conn), recorder,
			reconcile.WithTransientLimit(policy.MaxAttempts)),
		publisher)

	slog.Info("worker: consuming", "topic", cfg.SyncTopic, "group", cfg.KafkaGroupID, "max_attempts", policy.MaxAttempts)
	return consumer.Run(ctx, router.Dispatch)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Env, cfg.LogLevel, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker: terminated with error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker: stopped")
}
