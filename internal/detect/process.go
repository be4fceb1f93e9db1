package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// maxMessageSize guards against corrupt length prefixes.
const maxMessageSize = 256 << 20

// ErrEngineBroken is returned after a framing failure; the engine must be restarted.
var ErrEngineBroken = errors.New("detect: engine stream out of sync")

type wireFrame struct {
	Index     int    `msgpack:"index"`
	SourceID  int    `msgpack:"source_id"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Timestamp string `msgpack:"timestamp"`
	Data      []byte `msgpack:"frame_data"`
}

type wireRequest struct {
	BatchID uint64      `msgpack:"batch_id"`
	Frames  []wireFrame `msgpack:"frames"`
}

type wireReply struct {
	BatchID uint64         `msgpack:"batch_id"`
	Results []types.Result `msgpack:"results"`
	Error   string         `msgpack:"error,omitempty"`
}

// WriteMessage writes v as msgpack with a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// Client speaks the batch request/reply envelope over a byte stream.
// One batch is in flight at a time.
type Client struct {
	r       io.Reader
	w       io.Writer
	timeout time.Duration

	mu     sync.Mutex
	broken atomic.Bool

	batches  atomic.Uint64
	failures atomic.Uint64
}

// NewClient creates a client. timeout bounds one round trip (default 5s).
func NewClient(r io.Reader, w io.Writer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{r: r, w: w, timeout: timeout}
}

// Detect implements Detector.
func (c *Client) Detect(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	if c.broken.Load() {
		return nil, ErrEngineBroken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := wireRequest{BatchID: batch.ID, Frames: make([]wireFrame, len(batch.Frames))}
	for i, f := range batch.Frames {
		req.Frames[i] = wireFrame{
			Index:     i,
			SourceID:  f.SourceID,
			Seq:       f.Seq,
			Width:     f.Width,
			Height:    f.Height,
			Timestamp: f.Timestamp.UTC().Format(time.RFC3339Nano),
			Data:      f.Data,
		}
	}

	type roundTrip struct {
		reply wireReply
		err   error
	}
	done := make(chan roundTrip, 1)
	go func() {
		var rt roundTrip
		if err := WriteMessage(c.w, req); err != nil {
			rt.err = err
		} else {
			rt.err = ReadMessage(c.r, &rt.reply)
		}
		done <- rt
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case rt := <-done:
		if rt.err != nil {
			c.fail()
			return nil, fmt.Errorf("%w: %w", ErrEngineBroken, rt.err)
		}
		if rt.reply.BatchID != batch.ID {
			c.fail()
			return nil, fmt.Errorf("%w: reply for batch %d, expected %d",
				ErrEngineBroken, rt.reply.BatchID, batch.ID)
		}
		if rt.reply.Error != "" {
			c.failures.Add(1)
			return nil, fmt.Errorf("detect: engine error on batch %d: %s", batch.ID, rt.reply.Error)
		}
		c.batches.Add(1)
		return rt.reply.Results, nil

	case <-timer.C:
		c.fail()
		return nil, fmt.Errorf("%w: no reply within %v (engine may be hung)", ErrEngineBroken, c.timeout)

	case <-ctx.Done():
		c.fail()
		return nil, ctx.Err()
	}
}

// Stats returns processed batch and failure counts.
func (c *Client) Stats() (batches, failures uint64) {
	return c.batches.Load(), c.failures.Load()
}

func (c *Client) fail() {
	c.failures.Add(1)
	c.broken.Store(true)
}

// ProcessConfig describes the external detection engine command.
type ProcessConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Process runs the detection engine as a child process speaking the
// length-prefixed msgpack envelope on stdin/stdout. Stderr is logged.
type Process struct {
	cfg ProcessConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *Client
	wg     sync.WaitGroup
}

// NewProcess validates cfg and returns an unstarted engine.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detect: engine command is required")
	}
	return &Process{cfg: cfg}, nil
}

// Start spawns the engine. ctx bounds the process lifetime.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("detect: engine already started")
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detection engine: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.client = NewClient(bufio.NewReader(stdout), stdin, p.cfg.Timeout)

	slog.Info("detect: engine process spawned",
		"command", p.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	p.wg.Add(1)
	go p.logStderr(stderr)
	return nil
}

// Detect implements Detector.
func (p *Process) Detect(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("detect: engine not started")
	}
	return client.Detect(ctx, batch)
}

// Healthy reports whether the engine is running with an intact stream.
func (p *Process) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && !p.client.broken.Load()
}

// Ensure respawns the engine when it is not running or its stream broke.
func (p *Process) Ensure(ctx context.Context) error {
	if p.Healthy() {
		return nil
	}
	slog.Warn("detect: engine not healthy, respawning", "command", p.cfg.Command)
	if err := p.Stop(); err != nil {
		return err
	}
	return p.Start(ctx)
}

// Stop closes stdin, kills the engine if needed and reaps it. Idempotent.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil
	}

	_ = p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			slog.Debug("detect: engine exited", "error", err)
		}
	case <-time.After(2 * time.Second):
		slog.Warn("detect: engine did not exit after stdin close, killing")
		_ = p.cmd.Process.Kill()
		<-done
	}

	p.wg.Wait()
	p.cmd = nil
	p.client = nil
	slog.Info("detect: engine process stopped")
	return nil
}

// logStderr maps engine log lines onto slog levels.
func (p *Process) logStderr(r io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("detect: engine error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("detect: engine warning", "log", line)
		default:
			slog.Debug("detect: engine log", "log", line)
		}
	}
}
