package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/config"
	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/engine"
	"github.com/fairwaylabs/patternd/internal/feedback"
	"github.com/fairwaylabs/patternd/internal/httpapi"
	"github.com/fairwaylabs/patternd/internal/importer"
	"github.com/fairwaylabs/patternd/internal/logging"
	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/metrics"
	"github.com/fairwaylabs/patternd/internal/policy"
	"github.com/fairwaylabs/patternd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the patternd HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening pattern store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	svc, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("configuring embedding provider: %w", err)
	}
	provider := embeddings.NewCached(svc, 0)

	pol, err := policy.New(cfg.Policy, logger)
	if err != nil {
		return err
	}

	m := matcher.New(provider, st, cfg.Matcher, logger)
	loop := feedback.NewLoop(st, cfg.Feedback, logger)

	var sender engine.Sender
	if cfg.Sender.URL != "" {
		sender = engine.NewWebhookSender(cfg.Sender.URL, cfg.Sender.Timeout)
	} else {
		logger.Warn("no sender configured, auto-execute decisions degrade to suggestions")
	}

	eng := engine.New(m, pol, st, loop, sender, cfg.Engine, mets, logger)

	var processor httpapi.MessageProcessor = eng
	if cfg.Shadow.Enabled {
		shadowPolicy, err := policy.New(cfg.Shadow.Policy, logger)
		if err != nil {
			return fmt.Errorf("shadow: %w", err)
		}
		shadowMatcher := matcher.New(provider, st, cfg.Shadow.Matcher, logger)
		processor = engine.NewShadow(eng, shadowMatcher, shadowPolicy, mets, logger)
		logger.Info("shadow pipeline enabled")
	}

	decay := feedback.NewDecayScheduler(st, cfg.Decay, logger)
	decay.Start()
	defer decay.Stop()

	imp, err := buildImporter(cfg, st, mets, logger)
	if err != nil {
		return err
	}

	srv, err := httpapi.NewServer(processor, eng, imp, registry, logger, httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildImporter wires the import pipeline, or returns nil when no
// extraction model is configured and freeform input cannot be served.
func buildImporter(cfg *config.Config, st store.Store, mets *metrics.Metrics, logger *zap.Logger) (*importer.Importer, error) {
	svc, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("configuring import embedding provider: %w", err)
	}
	limited := embeddings.NewRateLimited(svc, cfg.Importer.EmbedRPS, cfg.Importer.EmbedBurst)

	var extractor importer.Extractor
	if cfg.Extractor.BaseURL != "" {
		ex, err := importer.NewLLMExtractor(cfg.Extractor)
		if err != nil {
			return nil, err
		}
		extractor = ex
	}

	return importer.New(limited, st, extractor, cfg.Importer, mets, logger), nil
}
