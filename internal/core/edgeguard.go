package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/orion-edge-guard/internal/alert"
	"github.com/e7canasta/orion-edge-guard/internal/auth"
	"github.com/e7canasta/orion-edge-guard/internal/batch"
	"github.com/e7canasta/orion-edge-guard/internal/capture"
	"github.com/e7canasta/orion-edge-guard/internal/config"
	"github.com/e7canasta/orion-edge-guard/internal/detect"
	"github.com/e7canasta/orion-edge-guard/internal/emitter"
	"github.com/e7canasta/orion-edge-guard/internal/extract"
	"github.com/e7canasta/orion-edge-guard/internal/journal"
	"github.com/e7canasta/orion-edge-guard/internal/notify"
	"github.com/e7canasta/orion-edge-guard/internal/pipeline"
	"github.com/e7canasta/orion-edge-guard/internal/ratemon"
	"github.com/e7canasta/orion-edge-guard/internal/record"
	"github.com/e7canasta/orion-edge-guard/internal/retry"
	"github.com/e7canasta/orion-edge-guard/internal/status"
	"github.com/e7canasta/orion-edge-guard/internal/supervisor"
	"github.com/e7canasta/orion-edge-guard/internal/throttle"
)

// outcomeBuffer is the channel size of every outcome subscriber.
const outcomeBuffer = 64

// latestSubscriber feeds the newest outcome to health snapshots.
const latestSubscriber = "status-latest"

// Encoder turns frames into JPEG bytes (alert payloads and saved frames).
type Encoder interface {
	alert.Encoder
	record.Encoder
}

// Deps are the native collaborators injected by the binary.
type Deps struct {
	// Factory builds sources for camera URIs
	Factory capture.Factory
	// Encoder compresses alert and saved frames
	Encoder Encoder
	// Annotator draws detections (optional)
	Annotator extract.Annotator
	// Detector overrides the configured detection engine (optional)
	Detector detect.Detector
	// HTTPClient overrides the alert HTTP client (tests)
	HTTPClient *http.Client
}

// EdgeGuard is the main service orchestrator
type EdgeGuard struct {
	cfg  *config.Config
	deps Deps

	// Shared services
	rates      *ratemon.Monitor
	gate       *throttle.Throttle
	tokens     *auth.Manager
	outcomes   *notify.Bus[alert.Outcome]
	dispatcher *alert.Dispatcher
	extractor  *extract.Extractor
	detector   detect.Detector
	engine     *detect.Process
	recorder   *record.Recorder
	journal    *journal.Journal
	emitter    *emitter.MQTTEmitter
	hub        *status.Hub

	// Created by Run
	supervisor *supervisor.Supervisor
	status     *status.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// New wires every component from cfg. Nothing is started yet.
func New(cfg *config.Config, deps Deps) (*EdgeGuard, error) {
	if deps.Factory == nil {
		return nil, fmt.Errorf("core: source factory is required")
	}
	if deps.Encoder == nil {
		return nil, fmt.Errorf("core: encoder is required")
	}

	g := &EdgeGuard{
		cfg:      cfg,
		deps:     deps,
		rates:    ratemon.New(ratemon.DefaultWindow),
		gate:     throttle.New(cfg.Throttle.Interval),
		tokens:   auth.NewManager(tokenFetcher(cfg)),
		outcomes: notify.New[alert.Outcome](),
		hub:      status.NewHub(),
	}

	opts := []alert.Option{alert.WithOutcomes(g.outcomes)}
	if deps.HTTPClient != nil {
		opts = append(opts, alert.WithHTTPClient(deps.HTTPClient))
	}
	g.dispatcher = alert.New(alert.Config{
		EndpointEnv:    cfg.Alert.EndpointEnv,
		ClientID:       cfg.Alert.ClientID,
		MaxRetries:     cfg.Alert.MaxRetries,
		RetryDelay:     cfg.Alert.RetryDelay,
		RequestTimeout: cfg.Alert.RequestTimeout,
		QueueSize:      cfg.Alert.QueueSize,
		Workers:        cfg.Alert.Workers,
		RatePerSecond:  cfg.Alert.RatePerSecond,
		Burst:          cfg.Alert.Burst,
	}, deps.Encoder, g.tokens, opts...)

	if err := g.initializeDetector(); err != nil {
		return nil, err
	}

	var extractOpts []extract.Option
	if deps.Annotator != nil && cfg.OverlayEnabled() {
		extractOpts = append(extractOpts, extract.WithAnnotator(deps.Annotator))
	}
	if cfg.Record.Enabled {
		rec, err := record.New(cfg.Record.Dir, deps.Encoder)
		if err != nil {
			return nil, fmt.Errorf("core: failed to create recorder: %w", err)
		}
		g.recorder = rec
		extractOpts = append(extractOpts, extract.WithRecorder(rec))
	}
	g.extractor = extract.New(extract.Config{
		TargetClass: cfg.Detection.TargetClass,
		Bias:        cfg.Detection.Bias,
	}, g.rates, g.gate, g.dispatcher, extractOpts...)

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
		g.journal = j
	}

	if cfg.MQTT.Broker != "" {
		g.emitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.InstanceID,
			OutcomesTopic:  cfg.MQTT.Topics.Alerts,
			HealthTopic:    cfg.MQTT.Topics.Health,
			QoS:            cfg.MQTT.QoS,
			HealthInterval: cfg.MQTT.HealthInterval,
		})
	}

	slog.Info("core: components wired",
		"instance_id", cfg.InstanceID,
		"groups", len(cfg.Groups),
		"engine", cfg.Detection.Command,
		"record", cfg.Record.Enabled,
		"journal", cfg.Journal.Path,
		"mqtt", cfg.MQTT.Broker,
	)
	return g, nil
}

// initializeDetector selects the external engine or the static detector.
func (g *EdgeGuard) initializeDetector() error {
	if g.deps.Detector != nil {
		g.detector = g.deps.Detector
		return nil
	}
	if g.cfg.Detection.Command == "" {
		slog.Warn("core: no detection engine configured, using static detector (no detections)")
		g.detector = detect.NewStatic(nil)
		return nil
	}

	engine, err := detect.NewProcess(detect.ProcessConfig{
		Command: g.cfg.Detection.Command,
		Args:    g.cfg.Detection.Args,
		Timeout: g.cfg.Detection.Timeout,
	})
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	g.engine = engine
	g.detector = engine
	return nil
}

// tokenFetcher prefers a static token, then client credentials.
func tokenFetcher(cfg *config.Config) auth.Fetcher {
	static, clientID, secret := cfg.Credentials()
	if static != "" || cfg.Token.URL == "" {
		return auth.Static(static)
	}
	return &auth.ClientCredentials{
		TokenURL:     cfg.Token.URL,
		ClientID:     clientID,
		ClientSecret: secret,
		Scope:        cfg.Token.Scope,
	}
}

// Groups converts configured camera groups to graph configs, cameras sorted by id.
func Groups(cfg *config.Config) []pipeline.Config {
	out := make([]pipeline.Config, 0, len(cfg.Groups))
	for _, grp := range cfg.Groups {
		cams := make([]pipeline.Camera, 0, len(grp.Cameras))
		for id, uri := range grp.Cameras {
			cams = append(cams, pipeline.Camera{ID: id, URI: uri})
		}
		sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })

		out = append(out, pipeline.Config{
			Name:    grp.Name,
			Cameras: cams,
			Batch:   batch.Config{Window: cfg.Batch.Window, Depth: cfg.Batch.Depth},
		})
	}
	return out
}

// graphBuilder builds a fresh graph per group on every generation, respawning
// the detection engine first when its stream broke.
func (g *EdgeGuard) graphBuilder(ctx context.Context) supervisor.Builder {
	graphs := supervisor.GraphBuilder(func(pc pipeline.Config) (*pipeline.Graph, error) {
		return pipeline.New(pc, g.deps.Factory, g.detector, g.extractor)
	})
	return func(pc pipeline.Config) (supervisor.Runner, error) {
		if g.engine != nil {
			if err := g.engine.Ensure(ctx); err != nil {
				return nil, fmt.Errorf("detection engine: %w", err)
			}
		}
		return graphs(pc)
	}
}

// Run starts the service and blocks until ctx is cancelled.
func (g *EdgeGuard) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.isRunning {
		g.mu.Unlock()
		return fmt.Errorf("core: service is already running")
	}
	g.isRunning = true
	g.started = time.Now()
	g.mu.Unlock()

	sup, err := supervisor.New(Groups(g.cfg), g.graphBuilder(ctx),
		supervisor.WithRestartPolicy(retry.Backoff(0, g.cfg.Supervisor.RestartDelay, g.cfg.Supervisor.MaxRestartDelay)))
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	srv, err := status.New(g.cfg.Status.Addr, g.statusDeps(sup))
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	g.mu.Lock()
	g.supervisor = sup
	g.status = srv
	g.mu.Unlock()

	// Outcome consumers first, so no outcome is published unobserved
	if err := g.startConsumers(ctx, srv); err != nil {
		return err
	}

	if err := g.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("core: %w", err)
	}

	if g.emitter != nil {
		// Auto-reconnect keeps trying in the background after a failed first attempt
		if err := g.emitter.Connect(ctx); err != nil {
			slog.Warn("core: mqtt not connected yet, continuing", "error", err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.emitter.RunHealth(ctx, func() any { return srv.HealthCheck() })
		}()
	}

	if g.cfg.Status.Addr != "" {
		srv.Start()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logStats(ctx, 30*time.Second)
	}()

	slog.Info("core: edge guard running",
		"instance_id", g.cfg.InstanceID,
		"groups", len(g.cfg.Groups),
	)

	return sup.Run(ctx)
}

func (g *EdgeGuard) statusDeps(sup *supervisor.Supervisor) status.Deps {
	deps := status.Deps{
		InstanceID: g.cfg.InstanceID,
		Supervisor: sup,
		Deliveries: g.dispatcher,
		Rates:      g.rates,
		Hub:        g.hub,
	}
	// Typed nils must not reach the interfaces
	if g.journal != nil {
		deps.Journal = g.journal
	}
	if g.emitter != nil {
		deps.Broker = g.emitter
	}
	return deps
}

// startConsumers subscribes the journal, MQTT emitter, websocket hub and the
// status latest-outcome tracker to delivery outcomes.
func (g *EdgeGuard) startConsumers(ctx context.Context, srv *status.Server) error {
	consumers := map[string]func(context.Context, <-chan alert.Outcome){
		"websocket": g.hub.Consume,
	}
	if g.journal != nil {
		consumers["journal"] = g.journal.Consume
	}
	if g.emitter != nil {
		consumers["mqtt"] = g.emitter.Consume
	}

	for id, run := range consumers {
		run := run
		ch := make(chan alert.Outcome, outcomeBuffer)
		if err := g.outcomes.Subscribe(id, ch); err != nil {
			return fmt.Errorf("core: subscribe %s: %w", id, err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			run(ctx, ch)
		}()
	}

	latest, err := g.outcomes.SubscribeLatest(latestSubscriber)
	if err != nil {
		return fmt.Errorf("core: subscribe %s: %w", latestSubscriber, err)
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		srv.TrackLatest(latest)
	}()
	return nil
}

// logStats periodically logs pipeline-wide counters.
func (g *EdgeGuard) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ex := g.extractor.Stats()
			dl := g.dispatcher.Stats()
			slog.Info("core: stats",
				"restarts", g.supervisor.Restarts(),
				"frames", ex.Frames,
				"events", ex.Events,
				"throttled", ex.Throttled,
				"delivered", dl.Delivered,
				"failed", dl.Failed,
				"dropped", ex.Dropped,
			)
		}
	}
}

// Supervisor returns the graph supervisor once Run has started.
func (g *EdgeGuard) Supervisor() *supervisor.Supervisor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.supervisor
}

// Status returns the status server once Run has started.
func (g *EdgeGuard) Status() *status.Server {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// ShutdownTimeout returns the configured graceful shutdown bound.
func (g *EdgeGuard) ShutdownTimeout() time.Duration {
	return g.cfg.ShutdownTimeout
}

// Shutdown stops every component. Run's context must already be cancelled.
func (g *EdgeGuard) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if !g.isRunning {
		g.mu.Unlock()
		return nil
	}
	srv := g.status
	g.mu.Unlock()

	slog.Info("core: shutting down edge guard")

	// 1. In-flight alerts are abandoned
	if err := g.dispatcher.Stop(); err != nil {
		slog.Error("core: failed to stop dispatcher", "error", err)
	}

	// 2. Detection engine
	if g.engine != nil {
		if err := g.engine.Stop(); err != nil {
			slog.Error("core: failed to stop detection engine", "error", err)
		}
	}

	// 3. Status API
	if srv != nil && g.cfg.Status.Addr != "" {
		if err := srv.Stop(ctx); err != nil {
			slog.Error("core: failed to stop status server", "error", err)
		}
	}
	if err := g.outcomes.Unsubscribe(latestSubscriber); err != nil {
		slog.Debug("core: latest-outcome tracker not subscribed", "error", err)
	}

	// 4. Outcome consumers
	g.outcomes.Close()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("core: shutdown timeout waiting for goroutines")
	}

	// 5. Outbound connections and storage
	if g.emitter != nil {
		g.emitter.Disconnect()
	}
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			slog.Error("core: failed to close journal", "error", err)
		}
	}

	g.mu.Lock()
	uptime := time.Since(g.started)
	g.isRunning = false
	g.mu.Unlock()

	slog.Info("core: edge guard shutdown complete", "uptime", uptime)
	return nil
}
