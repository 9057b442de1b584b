// v3
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/circuitbreaker"
	"nrgchamp/tagfusion/internal/config"
	"nrgchamp/tagfusion/internal/fusion"
	httpserver "nrgchamp/tagfusion/internal/http"
	"nrgchamp/tagfusion/internal/journal"
	"nrgchamp/tagfusion/internal/kafkaio"
	"nrgchamp/tagfusion/internal/metrics"
	"nrgchamp/tagfusion/internal/mqttio"
	"nrgchamp/tagfusion/internal/solver"
)

// Application wires configuration, logging, transports, the fusion
// pipeline and the HTTP API, and supervises their goroutines.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	logFile  *os.File
	server   *http.Server
	health   *httpserver.HealthState
	metrics  *metrics.Metrics
	pipeline *fusion.Pipeline
	hub      *httpserver.Hub
	journal  *journal.FileJournal
	bus      *mqttio.Bus
	source   *kafkaio.Source
	sink     *kafkaio.Sink
}

// New prepares a fully wired service instance. ctx bounds broker
// connection attempts only.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	table, err := anchor.NewTable(cfg.Anchors)
	if err != nil {
		return nil, fmt.Errorf("anchor table: %w", err)
	}
	logPath := filepath.Clean(cfg.LogFilePath)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	a := &Application{
		cfg:     cfg,
		logger:  newLogger(os.Stdout, lf, cfg.LogLevel),
		logFile: lf,
		health:  httpserver.NewHealthState(),
		metrics: metrics.New(),
	}
	if err := a.wire(ctx, table); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) wire(ctx context.Context, table *anchor.Table) error {
	cfg := a.cfg
	instanceID := uuid.NewString()

	deps := fusion.Deps{
		Logger:  a.logger.With(slog.String("component", "pipeline")),
		Metrics: a.metrics,
		Solver:  solver.LevenbergMarquardt{MaxIterations: cfg.SolverMaxIterations},
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, a.logger.With(slog.String("component", "journal")))
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		a.journal = j
		deps.Journal = j
	}

	pcfg := cfg.Pipeline()
	pcfg.InstanceID = instanceID
	p, err := fusion.New(pcfg, table, deps)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	a.pipeline = p
	if a.journal != nil {
		restored := a.journal.Latest()
		p.Restore(restored)
		a.logger.Info("positions_restored", slog.Int("tags", len(restored)), slog.Int64("last_id", a.journal.LastID()))
	}
	a.logger.Info("anchor_table_loaded",
		slog.Int("anchors", table.Len()),
		slog.Float64("centroid_x", table.Centroid().X),
		slog.Float64("centroid_y", table.Centroid().Y),
	)

	a.hub = httpserver.NewHub(a.logger.With(slog.String("component", "websocket")))
	p.AddSink(a.hub)

	if cfg.MQTTBroker != "" {
		clientID := cfg.MQTTClientID
		if clientID == "" {
			clientID = "tagfusion-" + instanceID
		}
		bus, err := mqttio.Dial(ctx, mqttio.Config{
			Broker:         cfg.MQTTBroker,
			ClientID:       clientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			QoS:            cfg.MQTTQoS,
			VotesTopic:     cfg.VotesTopic,
			WinnerPrefix:   cfg.WinnerTopicPrefix,
			LocationPrefix: cfg.LocationTopicPrefix,
			AlertPrefix:    cfg.AlertTopicPrefix,
			StatusTopic:    cfg.StatusTopic,
		}, a.logger.With(slog.String("component", "mqtt")))
		if err != nil {
			return err
		}
		a.bus = bus
		p.AddSink(bus)
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaSightingsTopic != "" {
		src, err := kafkaio.NewSource(kafkaio.SourceConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaSightingsTopic,
			GroupID:     cfg.KafkaGroupID,
			PollTimeout: cfg.KafkaPollTimeout,
			Breaker:     cfg.KafkaBreaker,
		}, a.logger.With(slog.String("component", "kafka_source")))
		if err != nil {
			return fmt.Errorf("kafka source: %w", err)
		}
		a.source = src
		a.watchBreaker(src.Breaker())
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaPositionsTopic != "" {
		sink, err := kafkaio.NewSink(kafkaio.SinkConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaPositionsTopic,
			Breaker: cfg.KafkaBreaker,
		}, a.logger.With(slog.String("component", "kafka_sink")))
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		a.sink = sink
		p.AddSink(sink)
		a.watchBreaker(sink.Breaker())
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Logger:   a.logger,
		Health:   a.health,
		Pipeline: p,
		Hub:      a.hub,
		Metrics:  a.metrics.Handler(),
	})
	a.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           httpserver.WrapWithLogging(a.logger.With(slog.String("component", "http")), router),
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}
	return nil
}

// watchBreaker mirrors breaker transitions into the cb_state gauge.
func (a *Application) watchBreaker(kb *circuitbreaker.KafkaBreaker) {
	if !kb.Enabled() {
		return
	}
	b := kb.Breaker()
	a.metrics.SetBreakerState(b.Name(), breakerGauge(b.State()))
	b.OnStateChange(func(name string, _, to circuitbreaker.State) {
		a.metrics.SetBreakerState(name, breakerGauge(to))
	})
}

func breakerGauge(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return 0
	}
}

// Logger exposes the configured slog logger so callers (such as main)
// can emit structured logs after initialization.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Pipeline exposes the fusion pipeline.
func (a *Application) Pipeline() *fusion.Pipeline {
	return a.pipeline
}

// Run blocks until ctx is cancelled or any loop fails. Every loop stops
// independently on cancellation and the HTTP server drains within the
// shutdown timeout.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http_server_error", slog.Any("err", err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown_signal")
		a.health.SetReady(false)
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("server_shutdown_failed", slog.Any("err", err))
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	a.goLoop(g, "inbox", func() error { return a.pipeline.RunInbox(gctx) })
	a.goLoop(g, "election", func() error { return a.pipeline.RunElection(gctx) })
	a.goLoop(g, "ticks", func() error { return a.pipeline.RunTicks(gctx) })
	if a.bus != nil {
		if err := a.bus.Subscribe(gctx, a.pipeline); err != nil {
			a.logger.Error("mqtt_subscribe_failed", slog.Any("err", err))
		}
		a.goLoop(g, "status", func() error { return a.pipeline.RunStatus(gctx, a.bus, a.cfg.StatusInterval) })
	}
	if a.source != nil {
		a.goLoop(g, "kafka_source", func() error { return a.source.Run(gctx, a.pipeline) })
	}

	a.health.SetReady(true)
	err := g.Wait()
	if err != nil {
		return err
	}
	a.logger.Info("shutdown_complete")
	return nil
}

// goLoop runs fn in g, treating cancellation as a clean stop.
func (a *Application) goLoop(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() error {
		err := fn()
		if err == nil || errors.Is(err, context.Canceled) {
			a.logger.Info("loop_stopped", slog.String("loop", name))
			return nil
		}
		a.logger.Error("loop_failed", slog.String("loop", name), slog.Any("err", err))
		return fmt.Errorf("%s: %w", name, err)
	})
}

// Close flushes and closes resources owned by the application instance.
func (a *Application) Close() error {
	var errs []error
	if a.hub != nil {
		a.hub.Close()
	}
	if a.bus != nil {
		a.bus.Close()
		a.bus = nil
	}
	if a.source != nil {
		errs = append(errs, a.source.Close())
		a.source = nil
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
		a.sink = nil
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
		a.logFile = nil
	}
	return errors.Join(errs...)
}
