package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tkenna/streamcore/pkg/backpressure"
	"github.com/tkenna/streamcore/pkg/broker"
	"github.com/tkenna/streamcore/pkg/checkpoint"
	"github.com/tkenna/streamcore/pkg/codec"
	"github.com/tkenna/streamcore/pkg/commit"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/deadletter"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/health"
	"github.com/tkenna/streamcore/pkg/metrics"
	"github.com/tkenna/streamcore/pkg/sink"
	"github.com/tkenna/streamcore/pkg/transform"
	"github.com/tkenna/streamcore/pkg/window"
)

// Engine wires the pipeline: one sequential worker per assigned partition,
// a shared transform stage, a committer co-committing results and offsets,
// and the backpressure and health loops running off to the side.
type Engine struct {
	cfg config.AppConfig
	reg *metrics.Registry

	cp       *checkpoint.Store
	dlq      *deadletter.Store
	decoder  *codec.Decoder
	producer *broker.Producer
	snk      sink.Sink

	stage      *transform.Stage
	factory    window.Factory
	committer  *commit.Committer
	controller *backpressure.Controller
	monitor    *health.Monitor

	cancel  context.CancelFunc
	g       *errgroup.Group
	started bool
}

// Option mutates the engine during construction, for wiring that cannot
// come from the config file.
type Option func(*Engine)

// WithMapper installs a user-supplied pure mapping in the transform stage.
func WithMapper(m transform.Mapper) Option {
	return func(e *Engine) { e.stage.WithMapper(m) }
}

// WithAggregator overrides the configured aggregate with a user-supplied
// commutative-associative one.
func WithAggregator(f window.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// New validates the configuration and builds every component. lookup and
// notifier are the external collaborators; either may be nil when unused.
func New(cfg config.AppConfig, lookup transform.Lookup, notifier health.Notifier, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, event.Fatal(fmt.Errorf("invalid configuration: %w", err))
	}

	reg := metrics.New(cfg.Pipeline, prometheus.DefaultRegisterer)

	cp, err := checkpoint.Open(cfg.Pipeline, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	cps, results, windows, err := cp.Stats()
	if err != nil {
		log.Printf("[Engine] Error reading checkpoint stats: %v", err)
	} else {
		log.Printf("[State] Checkpoint store ready: %d checkpoints | %d result markers | %d persisted windows",
			cps, results, windows)
	}

	dlq, err := deadletter.Open(filepath.Join(cfg.Checkpoint.Path, cfg.Pipeline+"-deadletter"), reg)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}

	var producer *broker.Producer
	if cfg.Sink.Kind == config.SinkKafka || cfg.Window.LatePolicy == config.LatePolicySideOutput {
		producer = broker.NewProducer(cfg.Kafka)
	}

	snk, err := sink.FromConfig(&cfg, producer)
	if err != nil {
		return nil, fmt.Errorf("build sink: %w", err)
	}

	factory, err := window.NewFactory(cfg.Window)
	if err != nil {
		return nil, event.Fatal(err)
	}

	e := &Engine{
		cfg:        cfg,
		reg:        reg,
		cp:         cp,
		dlq:        dlq,
		decoder:    codec.NewDecoder(cfg.Kafka),
		producer:   producer,
		snk:        snk,
		stage:      transform.New(&cfg, lookup, reg),
		factory:    factory,
		controller: backpressure.New(cfg.Backpressure, reg),
		monitor:    health.New(cfg.Pipeline, cfg.Health, reg, notifier),
	}
	e.committer = commit.New(snk, cp, reg, cfg.Retry, func(partition int, cause error) {
		e.monitor.RaiseFatal(fmt.Sprintf("committer partition %d", partition), cause)
	})

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the partition workers and the periodic loops. It returns
// once everything is running; Stop shuts it down.
func (e *Engine) Start() error {
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.g = g

	log.Printf("[Engine] Starting pipeline %s on partitions %v", e.cfg.Pipeline, e.cfg.Kafka.Partitions)

	for _, partition := range e.cfg.Kafka.Partitions {
		w, err := e.newWorker(partition)
		if err != nil {
			cancel()
			return err
		}
		g.Go(func() error { return w.run(gctx) })
	}

	g.Go(func() error {
		e.controller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.cp.ArchiveLoop(gctx, e.cfg.Checkpoint.Interval)
		return nil
	})
	return nil
}

// Stop signals shutdown and waits up to deadline for in-flight work to
// finish its current emit-or-abort cycle. Unflushed window state is not
// force-committed: recovery replays from the last checkpoint, which is safe
// because emission is idempotent.
func (e *Engine) Stop(deadline time.Duration) error {
	if !e.started {
		return nil
	}
	log.Printf("[Engine] Stopping pipeline %s (grace %v)", e.cfg.Pipeline, deadline)
	e.cancel()

	done := make(chan error, 1)
	go func() { done <- e.g.Wait() }()

	var werr error
	select {
	case werr = <-done:
	case <-time.After(deadline):
		log.Printf("[Engine] Shutdown grace period expired, abandoning in-flight work")
	}

	e.closeAll()
	e.started = false
	return werr
}

func (e *Engine) closeAll() {
	if err := e.snk.Close(); err != nil {
		log.Printf("[Engine] Sink close error: %v", err)
	}
	if e.producer != nil {
		if err := e.producer.Close(); err != nil {
			log.Printf("[Engine] Producer close error: %v", err)
		}
	}
	if err := e.dlq.Close(); err != nil {
		log.Printf("[Engine] Dead-letter close error: %v", err)
	}
	if err := e.cp.Close(); err != nil {
		log.Printf("[Engine] Checkpoint close error: %v", err)
	}
}

// Health returns the latest periodic health score, or a delta-free preview
// if the monitor has not run yet. It never consumes the metric deltas the
// next periodic computation will score.
func (e *Engine) Health() health.Score {
	if score, ok := e.monitor.Latest(); ok {
		return score
	}
	return e.monitor.Preview()
}

// Metrics returns a snapshot of every counter and gauge.
func (e *Engine) Metrics() map[string]float64 {
	return e.reg.Snapshot()
}
