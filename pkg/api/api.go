// Package api exposes the orchestrator over HTTP: an action-dispatched
// client endpoint, the worker completion endpoint, health, and metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/loadtestoor/pkg/aggregator"
	"github.com/ethpandaops/loadtestoor/pkg/archive"
	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/ethpandaops/loadtestoor/pkg/dispatcher"
	"github.com/ethpandaops/loadtestoor/pkg/metrics"
	"github.com/ethpandaops/loadtestoor/pkg/orchestrator"
	"github.com/ethpandaops/loadtestoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	store        store.Store
	dispatcher   dispatcher.Dispatcher
	orchestrator orchestrator.Orchestrator
	aggregator   aggregator.Aggregator
	metrics      *metrics.Metrics
	httpServer   *http.Server
	wg           sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start wires the store, dispatcher, orchestrator, and aggregator, then
// starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.metrics = metrics.New()

	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	disp, err := dispatcher.New(s.log, &s.cfg.Dispatcher)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	s.dispatcher = disp

	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	var archiver orchestrator.Archiver

	if s.cfg.Archive != nil && s.cfg.Archive.S3 != nil && s.cfg.Archive.S3.Enabled {
		a, err := archive.NewS3Archiver(ctx, s.log, s.cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("creating archiver: %w", err)
		}

		archiver = a

		s.log.Info("S3 archiving enabled")
	}

	s.orchestrator = orchestrator.New(
		s.log, s.cfg, s.store, s.dispatcher, s.metrics, archiver,
	)
	s.aggregator = aggregator.New(s.log, s.store)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and the backing services.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(); err != nil {
			s.log.WithError(err).Warn("Dispatcher stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
