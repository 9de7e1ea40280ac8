// Package host drives a worker process over the framed protocol: wait for
// the ready handshake, send transcription requests one at a time and shut
// the worker down.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/fmueller/voxworker/internal/protocol"
	"go.uber.org/zap"
)

// ErrWorkerExited is returned when the worker closes its output before
// answering.
var ErrWorkerExited = errors.New("worker exited unexpectedly")

// FatalError carries the message of a fatal reply sent instead of ready.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "worker failed to start: " + e.Message
}

// RemoteError is a per-request failure reported by the worker. The worker
// stays usable after it.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type UnexpectedReplyError struct {
	Want string
	Got  protocol.Reply
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("unexpected %s reply while waiting for %s", e.Got.Type(), e.Want)
}

type Client struct {
	conn   *protocol.Conn
	input  io.Closer
	cmd    *exec.Cmd
	logger *zap.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewClient talks to a worker whose replies arrive on r and whose requests
// are written to w. Closing w signals end of stream to the worker.
func NewClient(r io.Reader, w io.WriteCloser, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   protocol.NewConn(r, w),
		input:  w,
		logger: logger,
	}
}

type Options struct {
	Executable string
	Args       []string
	// Env replaces the child environment when non-nil.
	Env    []string
	Stderr io.Writer
	Logger *zap.Logger
}

// Start spawns the worker process. The caller must still call WaitReady.
func Start(ctx context.Context, opts Options) (*Client, error) {
	if opts.Executable == "" {
		return nil, errors.New("worker executable is required")
	}

	cmd := exec.CommandContext(ctx, opts.Executable, opts.Args...)
	cmd.Env = opts.Env
	cmd.Stderr = opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", opts.Executable, err)
	}

	client := NewClient(stdout, stdin, opts.Logger)
	client.cmd = cmd
	client.logger.Debug("worker started", zap.String("executable", opts.Executable), zap.Int("pid", cmd.Process.Pid))
	return client, nil
}

// WaitReady blocks until the worker's first frame. A fatal frame becomes a
// *FatalError and the process is reaped.
func (c *Client) WaitReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.readReply()
	if err != nil {
		return err
	}

	switch r := reply.(type) {
	case protocol.ReadyReply:
		c.logger.Debug("worker ready")
		return nil
	case protocol.FatalReply:
		_ = c.Close()
		return &FatalError{Message: r.Message}
	default:
		return &UnexpectedReplyError{Want: protocol.TypeReady, Got: reply}
	}
}

// Transcribe sends one request and waits for its reply.
func (c *Client) Transcribe(path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteRequest(protocol.TranscribeRequest{Path: path}); err != nil {
		return "", fmt.Errorf("send transcribe request: %w", err)
	}

	reply, err := c.readReply()
	if err != nil {
		return "", err
	}

	switch r := reply.(type) {
	case protocol.ResultReply:
		return r.Text, nil
	case protocol.ErrorReply:
		return "", &RemoteError{Message: r.Message}
	default:
		return "", &UnexpectedReplyError{Want: protocol.TypeResult, Got: reply}
	}
}

// Shutdown asks the worker to stop, waits for the acknowledgement and then
// releases the process.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	err := c.shutdown()
	c.mu.Unlock()

	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (c *Client) shutdown() error {
	if err := c.conn.WriteRequest(protocol.ShutdownRequest{}); err != nil {
		return fmt.Errorf("send shutdown request: %w", err)
	}

	reply, err := c.readReply()
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.ShutdownReply); !ok {
		return &UnexpectedReplyError{Want: protocol.TypeShutdown, Got: reply}
	}
	return nil
}

// Close ends the request stream and, for spawned workers, waits for the
// process to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.input.Close(); err != nil {
			c.logger.Debug("close worker input", zap.Error(err))
		}
		if c.cmd == nil {
			return
		}
		if err := c.cmd.Wait(); err != nil {
			c.closeErr = fmt.Errorf("worker exited: %w", err)
		}
	})
	return c.closeErr
}

func (c *Client) readReply() (protocol.Reply, error) {
	reply, err := c.conn.ReadReply()
	if err != nil {
		if errors.Is(err, protocol.ErrEndOfStream) {
			return nil, ErrWorkerExited
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}
