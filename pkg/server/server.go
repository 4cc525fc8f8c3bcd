// Package server provides the public entry point for initializing the
// agentwatch server.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// embed the full server, for example to add their own middleware in front
// of it.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	err = srv.Run(ctx) // blocks until ctx is canceled
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/agentwatch/internal/api"
	"github.com/agentoven/agentwatch/internal/api/handlers"
	"github.com/agentoven/agentwatch/internal/config"
	"github.com/agentoven/agentwatch/internal/events"
	"github.com/agentoven/agentwatch/internal/metrics"
	"github.com/agentoven/agentwatch/internal/notify"
	"github.com/agentoven/agentwatch/internal/reaper"
	"github.com/agentoven/agentwatch/internal/registry"
	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/internal/telemetry"
	"github.com/agentoven/agentwatch/pkg/contracts"
)

// RecentActivity is how many entries the in-process broker keeps.
const RecentActivity = 500

// Server holds the initialized agentwatch components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store selected by configuration.
	Store store.Store

	Registry *registry.Registry
	Reaper   *reaper.Reaper
	Recorder *metrics.Recorder
	Broker   *events.Broker

	// Config is the server configuration.
	Config *config.Config

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error

	nats    *events.NATSPublisher
	webhook *notify.Webhook
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes all components with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("✅ Store initialized")

	srv := &Server{
		Store:        dataStore,
		Config:       cfg,
		ShutdownFunc: shutdown,
		Broker:       events.NewBroker(RecentActivity),
	}

	publishers := events.Multi{srv.Broker}
	if cfg.Events.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.NATSSubject)
		if err != nil {
			// Live consumers are optional; the registry works without them.
			log.Warn().Err(err).Str("url", cfg.Events.NATSURL).Msg("NATS unavailable, activity stays in-process")
		} else {
			srv.nats = nc
			publishers = append(publishers, nc)
			log.Info().Str("subject", cfg.Events.NATSSubject).Msg("✅ NATS activity publisher connected")
		}
	}
	var publisher contracts.ActivityPublisher = publishers

	srv.Registry = registry.New(dataStore, registry.WithPublisher(publisher))
	srv.Reaper = reaper.New(dataStore, cfg.Liveness.StaleTimeout,
		reaper.WithInterval(cfg.Liveness.ReaperInterval),
		reaper.WithPublisher(publisher),
	)
	if cfg.Notify.StaleWebhookURL != "" {
		srv.webhook = notify.NewWebhook(cfg.Notify.StaleWebhookURL, cfg.Notify.StaleWebhookSecret)
		srv.Reaper.OnStale = srv.webhook.OnStale
		log.Info().Str("url", cfg.Notify.StaleWebhookURL).Msg("✅ Stale agent webhook enabled")
	}
	srv.Recorder = metrics.NewRecorder(dataStore, cfg.Metrics.Interval, cfg.Metrics.Retention)

	h := handlers.New(srv.Registry, srv.Reaper, srv.Recorder, srv.Broker)
	srv.Handler = api.NewRouter(cfg, h, dataStore)

	return srv, nil
}

// Run serves HTTP and runs the background workers until ctx is canceled or
// one of them fails.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Config.Port),
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: the activity stream is long-lived.
		IdleTimeout: 120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.Config.Port).Msg("🔭 agentwatch is listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if s.Config.Liveness.ReaperEnabled {
		g.Go(func() error {
			s.Reaper.Start(ctx)
			return nil
		})
	} else {
		log.Warn().Msg("Reaper disabled; run agentwatch-reaper on a schedule instead")
	}

	g.Go(func() error {
		s.Recorder.Start(ctx)
		return nil
	})

	return g.Wait()
}

// Close waits for pending webhooks, then releases the NATS connection and
// the store and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.webhook != nil {
		s.webhook.Wait()
	}
	if s.nats != nil {
		errs = append(errs, s.nats.Close())
	}
	errs = append(errs, s.Store.Close())
	if s.ShutdownFunc != nil {
		errs = append(errs, s.ShutdownFunc(ctx))
	}
	return errors.Join(errs...)
}
