// Package protocol implements the worker wire format: length-prefixed JSON
// frames exchanged between a host and a voxworker process over a byte stream.
//
// A frame is a 4-byte big-endian payload length followed by exactly that many
// bytes of UTF-8 JSON. There is no resynchronization mechanism, so a frame is
// always written as a single unit and a truncated frame is treated as the end
// of the stream.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const frameHeaderLength = 4

// MaxFrameLength bounds the payload size the reader is willing to buffer.
// Requests carry a file path, so 16 MiB is far beyond anything legitimate.
const MaxFrameLength = 16 * 1024 * 1024

var (
	// ErrEndOfStream reports that the peer closed the stream, either cleanly
	// between frames or in the middle of one.
	ErrEndOfStream = errors.New("end of stream")

	// ErrFrameTooLarge reports a frame whose declared length exceeds
	// MaxFrameLength. The payload has already been drained, so the stream is
	// still positioned at the next frame boundary.
	ErrFrameTooLarge = errors.New("frame too large")
)

// WriteFrame writes payload to w as a single frame. Callers that share w
// between goroutines must serialize calls themselves; Conn does this.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readError("read frame header", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameLength {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, readError("discard oversized frame", err)
		}
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrFrameTooLarge, length, MaxFrameLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readError("read frame payload", err)
	}
	return payload, nil
}

func readError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return fmt.Errorf("%s: %w", op, err)
}
