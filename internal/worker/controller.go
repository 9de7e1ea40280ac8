// Package worker runs the voxworker lifecycle: load the inference engine
// once, announce readiness, then serve transcription requests one at a time
// until the host asks for shutdown or closes the stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/voxworker/internal/audio"
	"github.com/fmueller/voxworker/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BlankAudioToken is the transcript reported when the silence gate skips
// inference.
const BlankAudioToken = "[BLANK_AUDIO]"

var (
	// ErrLoadFailed wraps the loader error returned by Run. The process
	// should exit non-zero after it.
	ErrLoadFailed = errors.New("engine load failed")

	ErrNotReady = errors.New("worker is not ready")
)

// Engine turns normalized mono samples into text. Implementations are used
// from a single goroutine and are never mutated after loading.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// Loader produces the engine. It is called at most once per Controller.
type Loader func(ctx context.Context) (Engine, error)

type Options struct {
	Logger *zap.Logger

	SilenceGate          bool
	SilenceThresholdDBFS float64
}

// Controller owns the worker state, the loaded engine and the reply side of
// the channel. Requests are handled strictly in arrival order.
type Controller struct {
	conn   *protocol.Conn
	load   Loader
	opts   Options
	logger *zap.Logger
	stats  Stats

	mu      sync.Mutex
	state   State
	engine  Engine
	loadErr error
}

func New(conn *protocol.Conn, load Loader, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		conn:   conn,
		load:   load,
		opts:   opts,
		logger: logger,
		state:  StateUninitialized,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Run loads the engine and, on success, sends the ready handshake and serves
// requests until the stream ends. On load failure it sends a fatal reply and
// returns an error wrapping ErrLoadFailed without reading any request.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Load(ctx); err != nil {
		c.logger.Error("engine load failed", zap.Error(err))
		if writeErr := c.conn.WriteReply(protocol.FatalReply{Message: err.Error()}); writeErr != nil {
			c.logger.Warn("failed to report fatal error to host", zap.Error(writeErr))
		}
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	if err := c.conn.WriteReply(protocol.ReadyReply{}); err != nil {
		c.terminate()
		return fmt.Errorf("send ready: %w", err)
	}
	c.logger.Info("worker ready")

	return c.Serve(ctx)
}

// Load runs the loader exactly once. Later calls return the first outcome
// without touching the engine.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized:
	case StateLoading:
		c.mu.Unlock()
		return fmt.Errorf("%w: load already in progress", ErrNotReady)
	default:
		err := c.loadErr
		c.mu.Unlock()
		return err
	}
	c.setState(StateLoading)
	c.mu.Unlock()

	started := time.Now()
	engine, err := c.runLoader(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.loadErr = err
		c.setState(StateTerminated)
		return err
	}

	c.engine = engine
	c.setState(StateReady)
	c.logger.Info("engine loaded", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (c *Controller) runLoader(ctx context.Context) (engine Engine, err error) {
	if c.load == nil {
		return nil, errors.New("no engine loader configured")
	}

	defer func() {
		if r := recover(); r != nil {
			engine, err = nil, fmt.Errorf("engine loader panicked: %v", r)
		}
	}()

	engine, err = c.load(ctx)
	if err == nil && engine == nil {
		err = errors.New("engine loader returned no engine")
	}
	return engine, err
}

// Serve is the dispatch loop. It returns nil when the host sends shutdown,
// closes the stream or ctx is cancelled, and an error when the channel
// itself fails.
func (c *Controller) Serve(ctx context.Context) error {
	defer func() {
		c.terminate()
		c.logger.Info("worker stopped", c.stats.Snapshot().fields()...)
	}()

	for {
		req, err := c.nextRequest(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.logger.Info("worker interrupted", zap.Error(ctxErr))
			return nil
		}
		if err != nil {
			if errors.Is(err, protocol.ErrEndOfStream) {
				c.logger.Debug("host closed the stream")
				return nil
			}
			if !isRecoverableReadError(err) {
				return fmt.Errorf("read request: %w", err)
			}

			c.stats.requests.Add(1)
			c.stats.errors.Add(1)
			c.logger.Warn("rejected malformed request", zap.Error(err))
			if err := c.conn.WriteReply(protocol.ErrorReply{Message: err.Error()}); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
			continue
		}

		reply := c.Handle(ctx, req)
		if err := c.conn.WriteReply(reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}

		if _, ok := req.(protocol.ShutdownRequest); ok {
			c.logger.Info("shutdown requested by host")
			return nil
		}
	}
}

type readResult struct {
	req protocol.Request
	err error
}

// nextRequest reads one frame but stops waiting once ctx is done. An
// abandoned read stays blocked on the input until the input closes.
func (c *Controller) nextRequest(ctx context.Context) (protocol.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(chan readResult, 1)
	go func() {
		req, err := c.conn.ReadRequest()
		result <- readResult{req: req, err: err}
	}()

	select {
	case r := <-result:
		return r.req, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle maps one request to exactly one reply. Failures of any kind,
// panics included, come back as an ErrorReply.
func (c *Controller) Handle(ctx context.Context, req protocol.Request) (reply protocol.Reply) {
	if req == nil {
		c.stats.requests.Add(1)
		c.stats.errors.Add(1)
		return protocol.ErrorReply{Message: "empty request"}
	}

	log := c.logger.With(zap.String("request_id", uuid.NewString()), zap.String("command", req.Command()))
	c.stats.requests.Add(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("request handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			reply = protocol.ErrorReply{Message: fmt.Sprintf("internal error: %v", r)}
		}
		if _, failed := reply.(protocol.ErrorReply); failed {
			c.stats.errors.Add(1)
		}
	}()

	switch r := req.(type) {
	case protocol.TranscribeRequest:
		text, err := c.transcribe(ctx, r.Path, log)
		if err != nil {
			log.Warn("transcription failed", zap.String("path", r.Path), zap.Error(err))
			return protocol.ErrorReply{Message: err.Error()}
		}
		c.stats.results.Add(1)
		return protocol.ResultReply{Text: text}
	case protocol.ShutdownRequest:
		return protocol.ShutdownReply{}
	default:
		return protocol.ErrorReply{Message: (&protocol.UnknownCommandError{Command: req.Command()}).Error()}
	}
}

func (c *Controller) transcribe(ctx context.Context, path string, log *zap.Logger) (string, error) {
	engine, err := c.readyEngine()
	if err != nil {
		return "", err
	}

	samples, err := audio.ReadPCM16File(path)
	if err != nil {
		return "", err
	}
	c.stats.audioBytes.Add(uint64(len(samples) * audio.BytesPerSample))
	c.stats.audioSamples.Add(uint64(len(samples)))

	if c.opts.SilenceGate {
		if silent, metrics := audio.IsSilent(samples, c.opts.SilenceThresholdDBFS); silent {
			log.Info("audio considered silent; skipping transcription",
				zap.String("audio", path),
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
				zap.Float64("peak_dbfs", metrics.PeakdBFS),
				zap.Float64("threshold_dbfs", c.opts.SilenceThresholdDBFS),
			)
			return BlankAudioToken, nil
		}
	}

	log.Debug("transcribing", zap.String("audio", path), zap.Int("samples", len(samples)))
	started := time.Now()
	text, err := engine.Transcribe(ctx, samples)
	if err != nil {
		return "", err
	}
	log.Info("transcription finished", zap.Duration("elapsed", time.Since(started)), zap.Int("chars", len(text)))
	return text, nil
}

func (c *Controller) readyEngine() (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || c.engine == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, c.state)
	}
	return c.engine, nil
}

func (c *Controller) terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateTerminated)
}

// setState applies a forward transition and ignores anything else. Callers
// hold c.mu.
func (c *Controller) setState(to State) {
	if !isValidTransition(c.state, to) {
		return
	}
	c.logger.Debug("worker state changed", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
}

func isRecoverableReadError(err error) bool {
	var decodeErr *protocol.DecodeError
	var unknownErr *protocol.UnknownCommandError
	return errors.As(err, &decodeErr) || errors.As(err, &unknownErr) || errors.Is(err, protocol.ErrFrameTooLarge)
}
