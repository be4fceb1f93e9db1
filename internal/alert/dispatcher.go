package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-edge-guard/internal/notify"
	"github.com/e7canasta/orion-edge-guard/internal/retry"
)

var (
	// ErrNoEndpoint means the endpoint URL is not configured; the send is abandoned.
	ErrNoEndpoint = errors.New("alert: endpoint not configured")
	// ErrDeliveryFailed means every attempt failed.
	ErrDeliveryFailed = errors.New("alert: delivery failed")
	// ErrStopped marks queued events abandoned by Stop.
	ErrStopped = errors.New("alert: dispatcher stopped")
)

// StatusError is a non-2xx answer from the alert endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("alert endpoint returned %d", e.Code)
}

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Outcome status values.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusDropped   = "dropped"
)

// Outcome records what happened to one event.
type Outcome struct {
	EventID    string    `json:"event_id"`
	SourceID   int       `json:"camera_id"`
	Timestamp  string    `json:"timestamp"`
	DateAlert  float64   `json:"datealert"`
	Detections int       `json:"detections"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Config controls delivery.
type Config struct {
	// EndpointEnv names the environment variable holding the endpoint URL
	EndpointEnv string
	// ClientID is sent as client_id
	ClientID int
	// MaxRetries is the total number of attempts per event
	MaxRetries int
	// RetryDelay is the fixed wait between attempts
	RetryDelay time.Duration
	// RequestTimeout bounds one HTTP attempt
	RequestTimeout time.Duration
	// QueueSize bounds the Submit queue
	QueueSize int
	// Workers is the number of delivery goroutines
	Workers int
	// RatePerSecond caps outbound requests across all sources (0 = unlimited)
	RatePerSecond float64
	// Burst is the limiter burst size
	Burst int
}

// DefaultConfig returns the production delivery settings.
func DefaultConfig() Config {
	return Config{
		EndpointEnv:    "URL_INFERENCE",
		ClientID:       DefaultClientID,
		MaxRetries:     3,
		RetryDelay:     500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		QueueSize:      16,
		Workers:        2,
		RatePerSecond:  2,
		Burst:          4,
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Abandoned uint64 `json:"abandoned"`
	Dropped   uint64 `json:"dropped"`
	Attempts  uint64 `json:"attempts"`
	Queued    int    `json:"queued"`
}

// Dispatcher formats and delivers alerts with auth and bounded retry.
type Dispatcher struct {
	cfg      Config
	encoder  Encoder
	tokens   TokenSource
	client   *http.Client
	limiter  *rate.Limiter
	endpoint func() string
	outcomes *notify.Bus[Outcome]

	queue chan Event

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64
	dropped   atomic.Uint64
	attempts  atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithEndpoint overrides endpoint lookup (defaults to os.Getenv(cfg.EndpointEnv)).
func WithEndpoint(fn func() string) Option {
	return func(d *Dispatcher) { d.endpoint = fn }
}

// WithOutcomes publishes every outcome on bus.
func WithOutcomes(bus *notify.Bus[Outcome]) Option {
	return func(d *Dispatcher) { d.outcomes = bus }
}

// New creates a dispatcher. Zero config fields take DefaultConfig values.
func New(cfg Config, encoder Encoder, tokens TokenSource, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.EndpointEnv == "" {
		cfg.EndpointEnv = def.EndpointEnv
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = def.ClientID
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	d := &Dispatcher{
		cfg:     cfg,
		encoder: encoder,
		tokens:  tokens,
		client:  &http.Client{},
		queue:   make(chan Event, cfg.QueueSize),
	}
	d.endpoint = func() string { return os.Getenv(cfg.EndpointEnv) }
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers one event synchronously.
//
// Returns ErrNoEndpoint when no endpoint is configured (no attempt is made),
// or an error wrapping ErrDeliveryFailed after MaxRetries failed attempts.
func (d *Dispatcher) Send(ctx context.Context, ev Event) error {
	outcome := Outcome{
		EventID:    ev.ID,
		SourceID:   ev.SourceID,
		Timestamp:  ev.Timestamp,
		Detections: len(ev.Detections),
	}

	endpoint := d.endpoint()
	if endpoint == "" {
		slog.Error("alert: endpoint not configured, abandoning send",
			"env", d.cfg.EndpointEnv,
			"camera_id", ev.SourceID,
			"event_id", ev.ID,
		)
		d.abandoned.Add(1)
		d.finish(outcome, StatusAbandoned, ErrNoEndpoint)
		return ErrNoEndpoint
	}

	payload, err := BuildPayload(ev, d.encoder, d.cfg.ClientID)
	if err != nil {
		slog.Error("alert: failed to build payload",
			"camera_id", ev.SourceID,
			"event_id", ev.ID,
			"error", err,
		)
		d.abandoned.Add(1)
		d.finish(outcome, StatusAbandoned, err)
		return err
	}
	outcome.DateAlert = payload.DateAlert

	body, err := json.Marshal(payload)
	if err != nil {
		d.abandoned.Add(1)
		d.finish(outcome, StatusAbandoned, err)
		return fmt.Errorf("alert: marshal payload: %w", err)
	}

	policy := retry.Fixed(d.cfg.MaxRetries, d.cfg.RetryDelay)
	err = retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		outcome.Attempts = attempt
		d.attempts.Add(1)

		code, err := d.post(ctx, endpoint, body)
		outcome.StatusCode = code
		if err != nil {
			slog.Warn("alert: attempt failed",
				"camera_id", ev.SourceID,
				"event_id", ev.ID,
				"attempt", attempt,
				"max_retries", d.cfg.MaxRetries,
				"status_code", code,
				"error", err,
			)
		}
		return err
	}, nil)

	if err != nil {
		slog.Error("alert: delivery failed, dropping event",
			"camera_id", ev.SourceID,
			"event_id", ev.ID,
			"attempts", outcome.Attempts,
			"error", err,
		)
		d.failed.Add(1)
		d.finish(outcome, StatusFailed, err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	slog.Info("alert: delivered",
		"camera_id", ev.SourceID,
		"event_id", ev.ID,
		"datealert", payload.DateAlert,
		"attempts", outcome.Attempts,
		"status_code", outcome.StatusCode,
	)
	d.delivered.Add(1)
	d.finish(outcome, StatusDelivered, nil)
	return nil
}

// post performs one authenticated POST and returns the HTTP status code.
func (d *Dispatcher) post(ctx context.Context, endpoint string, body []byte) (int, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter: %w", err)
		}
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("obtain token: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		d.tokens.Invalidate()
	}
	return resp.StatusCode, &StatusError{Code: resp.StatusCode}
}

// Submit queues ev for asynchronous delivery without blocking.
//
// Returns false if the queue is full; the event is dropped.
func (d *Dispatcher) Submit(ev Event) bool {
	d.submitted.Add(1)

	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		slog.Warn("alert: dispatch queue full, dropping event",
			"camera_id", ev.SourceID,
			"event_id", ev.ID,
			"queue_size", d.cfg.QueueSize,
		)
		d.finish(Outcome{
			EventID:    ev.ID,
			SourceID:   ev.SourceID,
			Timestamp:  ev.Timestamp,
			Detections: len(ev.Detections),
		}, StatusDropped, errors.New("dispatch queue full"))
		return false
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return fmt.Errorf("alert: dispatcher already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(d.ctx, i)
	}

	slog.Info("alert: dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"max_retries", d.cfg.MaxRetries,
		"retry_delay", d.cfg.RetryDelay,
		"endpoint_env", d.cfg.EndpointEnv,
	)
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if ctx.Err() != nil {
				d.abandon(ev)
				return
			}
			_ = d.Send(ctx, ev)
		}
	}
}

// Stop cancels in-flight deliveries and waits (up to 3 seconds) for workers.
// Queued events are abandoned. Idempotent.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("alert: stop timeout exceeded, some deliveries may still be running")
	}

	d.cancel = nil
	d.ctx = nil
	pending := d.abandonQueued()

	slog.Info("alert: dispatcher stopped",
		"delivered", d.delivered.Load(),
		"failed", d.failed.Load(),
		"pending_abandoned", pending,
	)
	return nil
}

// abandonQueued empties the queue so a later Start never delivers stale events.
func (d *Dispatcher) abandonQueued() int {
	n := 0
	for {
		select {
		case ev := <-d.queue:
			n++
			d.abandon(ev)
		default:
			return n
		}
	}
}

func (d *Dispatcher) abandon(ev Event) {
	d.abandoned.Add(1)
	d.finish(Outcome{
		EventID:    ev.ID,
		SourceID:   ev.SourceID,
		Timestamp:  ev.Timestamp,
		Detections: len(ev.Detections),
	}, StatusAbandoned, ErrStopped)
}

// Stats returns a snapshot of delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Abandoned: d.abandoned.Load(),
		Dropped:   d.dropped.Load(),
		Attempts:  d.attempts.Load(),
		Queued:    len(d.queue),
	}
}

func (d *Dispatcher) finish(o Outcome, status string, err error) {
	if d.outcomes == nil {
		return
	}
	o.Status = status
	o.At = time.Now().UTC()
	if err != nil {
		o.Error = err.Error()
	}
	d.outcomes.Publish(o)
}
