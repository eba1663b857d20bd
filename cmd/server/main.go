// Server accepts the inbound IdP webhooks and publishes sync messages for every local change.
// With KAFKA_BROKERS unset, messages are handled in-process instead of by cmd/worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idp-user-sync/internal/audit"
	auditrepo "idp-user-sync/internal/audit/repository"
	"idp-user-sync/internal/config"
	"idp-user-sync/internal/db"
	"idp-user-sync/internal/idp"
	"idp-user-sync/internal/logging"
	profilerepo "idp-user-sync/internal/profile/repository"
	"idp-user-sync/internal/queue"
	"idp-user-sync/internal/reconcile"
	"idp-user-sync/internal/security"
	"idp-user-sync/internal/server"
	"idp-user-sync/internal/telemetry/otel"
	userrepo "idp-user-sync/internal/user/repository"
	webhookhandler "idp-user-sync/internal/webhook/handler"
	webhookservice "idp-user-sync/internal/webhook/service"
)

func run(ctx context.Context, cfg *config.Config) error {
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
		ServiceName: "idp-user-sync-server",
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

	users := userrepo.NewPostgresRepository(conn)
	profiles := profilerepo.NewPostgresRepository(conn)

	var publisher queue.Publisher
	errCh := make(chan error, 2)
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kp, err := queue.NewKafkaPublisher(brokers, cfg.SyncTopic)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kp.Close()
		publisher = kp
		slog.Info("server: publishing sync messages to kafka", "topic", cfg.SyncTopic)
	} else {
		policy := queue.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.QueueMaxAttempts
		bus := queue.NewMemoryBus(policy)
		publisher = bus
		router := queue.NewRouter()
		reconcile.Register(router,
			reconcile.NewHandler(users, client, recorder),
			reconcile.NewMigrator(users, profiles, client, userrepo.NewAdvisoryLocker(conn), recorder,
				reconcile.WithTransientLimit(policy.MaxAttempts)),
			bus)
		go func() {
			if err := bus.Run(ctx, router.Dispatch); err != nil {
				errCh <- fmt.Errorf("in-process worker: %w", err)
			}
		}()
		defer bus.Close()
		slog.Info("server: KAFKA_BROKERS not set, handling sync messages in-process")
	}

	dispatcher := reconcile.NewDispatcher(users, profiles, client, publisher)
	svc := webhookservice.NewService(users, profiles,
		webhookservice.StaticClientResolver(cfg.ClientDomainMap()),
		security.NewHasher(cfg.BcryptCost),
		dispatcher,
		webhookservice.WithAuditLogger(audit.NewLogger(auditrepo.NewPostgresRepository(conn), audit.ClientIP)))

	var verifier webhookhandler.TokenVerifier
	if cfg.WebhookSecret != "" {
		verifier = security.NewWebhookVerifier(cfg.WebhookSecret, cfg.IDPBaseURL)
	} else {
		slog.Warn("server: WEBHOOK_SECRET not set, webhooks are unauthenticated")
	}

	handler := server.NewHandler(server.Deps{
		Webhook:        webhookhandler.NewAPI(svc, verifier),
		HealthPinger:   conn,
		TracerProvider: providers.TracerProvider,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server: HTTP listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
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
		slog.Error("server: terminated with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server: stopped")
}
