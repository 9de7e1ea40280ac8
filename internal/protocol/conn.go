package protocol

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Conn is a framed message channel over a reader and a writer, typically a
// process's stdin and stdout. Reads are expected from a single goroutine.
// Writes are serialized and flushed before returning, so the peer sees each
// frame as soon as it is produced and never an interleaved one.
type Conn struct {
	r *bufio.Reader

	mu sync.Mutex
	w  *bufio.Writer
}

// NewConn wraps r and w in a Conn.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		r: bufio.NewReader(r),
		w: bufio.NewWriter(w),
	}
}

// ReadRequest reads the next request. It returns ErrEndOfStream when the
// peer has gone away, and a *DecodeError, *UnknownCommandError or
// ErrFrameTooLarge for a bad frame that leaves the stream usable.
func (c *Conn) ReadRequest() (Request, error) {
	payload, err := ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	return UnmarshalRequest(payload)
}

// ReadReply reads the next reply. Host side counterpart of ReadRequest.
func (c *Conn) ReadReply() (Reply, error) {
	payload, err := ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	return UnmarshalReply(payload)
}

// WriteReply encodes and sends one reply.
func (c *Conn) WriteReply(reply Reply) error {
	payload, err := MarshalReply(reply)
	if err != nil {
		return err
	}
	return c.writeFrame(payload)
}

// WriteRequest encodes and sends one request.
func (c *Conn) WriteRequest(req Request) error {
	payload, err := MarshalRequest(req)
	if err != nil {
		return err
	}
	return c.writeFrame(payload)
}

func (c *Conn) writeFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.w, payload); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
