package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katsacademy/kats-core/internal/api"
	"github.com/katsacademy/kats-core/internal/bus"
	"github.com/katsacademy/kats-core/internal/config"
	"github.com/katsacademy/kats-core/internal/content"
	"github.com/katsacademy/kats-core/internal/illustration"
	"github.com/katsacademy/kats-core/internal/memory"
	"github.com/katsacademy/kats-core/internal/natsserver"
	"github.com/katsacademy/kats-core/internal/provider"
	"github.com/katsacademy/kats-core/internal/voice"
)

// Runtime assembles the daemon: telemetry, the message bus, the memory
// store, the provider client, the illustration cache, the voice service and
// the HTTP API.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	busClient     *bus.Client
	memStore      *memory.Store
	voiceSvc      *voice.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled, then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient

	memStore, err := memory.Open(ctx, r.cfg.Memory, r.logger)
	if err != nil {
		r.teardownBus()
		return fmt.Errorf("open memory store: %w", err)
	}
	r.memStore = memStore

	var (
		chat  provider.Completer
		synth provider.SpeechSynthesizer
		gen   provider.ImageGenerator
	)
	if r.cfg.Provider.Mode == "mock" {
		chat = provider.NewMockCompleter()
		synth = provider.NewMockSynthesizer()
		gen = provider.NewMockImageGenerator()
		r.logger.Info("provider running in mock mode")
	} else {
		client := provider.NewClient(r.cfg.Provider, r.logger)
		chat, synth, gen = client, client, client
	}

	illStore, err := illustration.NewStore(r.cfg.Illustration, r.logger)
	if err != nil {
		r.teardownBus()
		_ = memStore.Close()
		return fmt.Errorf("open illustration store: %w", err)
	}
	resolver := illustration.NewResolver(illStore, gen, r.logger)

	r.voiceSvc = voice.NewService(ctx, r.cfg.Voice, busClient, chat, synth, memStore, r.logger)
	if err := r.voiceSvc.Start(); err != nil {
		r.teardownBus()
		_ = memStore.Close()
		return fmt.Errorf("start voice service: %w", err)
	}

	books, err := content.LoadBooks(r.cfg.Content.BooksPath)
	if err != nil {
		r.logger.Warn("books manifest unavailable", slog.String("error", err.Error()))
	}
	sightWords, err := content.LoadSightWords(r.cfg.Content.SightWordsPath)
	if err != nil {
		r.logger.Warn("sight words manifest unavailable", slog.String("error", err.Error()))
	}

	handler := api.NewHandler(chat, synth, gen, resolver, illStore, memStore, books, sightWords, r.cfg.Voice.SpeechSpeed, r.logger)
	router := handler.Routes(r.Healthy)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("environment", r.cfg.Environment))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.voiceSvc.Close()
	if err := r.memStore.Close(); err != nil {
		r.logger.Error("memory store close error", slog.String("error", err.Error()))
	}
	r.teardownBus()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Healthy reports whether every long-lived component is up.
func (r *Runtime) Healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	if r.voiceSvc != nil && !r.voiceSvc.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) teardownBus() {
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embedded.Shutdown()
}
