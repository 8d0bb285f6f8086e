package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sous/internal/ai"
	"github.com/loqalabs/loqa-sous/internal/bus"
	"github.com/loqalabs/loqa-sous/internal/chat"
	"github.com/loqalabs/loqa-sous/internal/config"
	"github.com/loqalabs/loqa-sous/internal/coordinator"
	"github.com/loqalabs/loqa-sous/internal/eventstore"
	"github.com/loqalabs/loqa-sous/internal/natsserver"
	"github.com/loqalabs/loqa-sous/internal/voice"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	coord    *coordinator.Coordinator
	timeline *eventstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	chat     *chat.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	newAPI(r.coord, r.timeline, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("voice_mode", r.cfg.Voice.Mode), slog.String("ai_mode", r.cfg.AI.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	timeline, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.timeline = timeline

	completer, err := ai.New(ctx, r.cfg.AI, r.logger)
	if err != nil {
		return fmt.Errorf("create ai backend: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Voice:     r.cfg.Voice,
		Recovery:  r.cfg.Recovery,
		Factory:   voiceFactory(r.cfg.Voice, r.logger),
		Completer: completer,
		Logger:    r.logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	r.coord = coord
	coord.Subscribe(eventstore.NewRecorder(timeline, coord.ConversationID, r.logger))

	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	svc := chat.NewService(ctx, client, coord, time.Duration(r.cfg.AI.TimeoutMS)*time.Millisecond, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start chat service: %w", err)
	}
	r.chat = svc
	return nil
}

func (r *Runtime) stopComponents() {
	if r.chat != nil {
		r.chat.Close()
	}
	if r.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.coord.Close(ctx); err != nil {
			r.logger.Warn("voice shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.timeline != nil {
		if err := r.timeline.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func voiceFactory(cfg config.VoiceConfig, logger *slog.Logger) voice.Factory {
	if cfg.Mode == "ws" {
		return voice.WSFactory(voice.WSConfig{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			ConnectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		}, logger)
	}
	return voice.MockFactory(nil)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.chat == nil || r.chat.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
