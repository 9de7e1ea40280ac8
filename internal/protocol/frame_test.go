package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameEncodesBigEndianLength(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	require.NoError(t, WriteFrame(buf, []byte(`{"type":"ready"}`)))

	raw := buf.Bytes()
	require.Equal(t, []byte{0, 0, 0, 16}, raw[:4])
	require.Equal(t, `{"type":"ready"}`, string(raw[4:]))
}

func TestReadFrameReturnsPayload(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	require.NoError(t, WriteFrame(buf, []byte("first")))
	require.NoError(t, WriteFrame(buf, []byte("second")))

	payload, err := ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(payload))

	payload, err = ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, "second", string(payload))

	_, err = ReadFrame(buf)
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestReadFrameTruncationIsEndOfStream(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"command":"transcribe","path":"/tmp/a.pcm"}`)
	full := new(bytes.Buffer)
	require.NoError(t, WriteFrame(full, payload))
	frame := full.Bytes()

	// Every proper prefix of a frame, including a partial header, must read
	// as end of stream and never as a message.
	for cut := 0; cut < len(frame); cut++ {
		_, err := ReadFrame(bytes.NewReader(frame[:cut]))
		require.ErrorIsf(t, err, ErrEndOfStream, "prefix of %d bytes", cut)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	t.Parallel()

	payload, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	require.Empty(t, payload)
}

func TestReadFrameOversizedIsDrained(t *testing.T) {
	t.Parallel()

	oversized := MaxFrameLength + 1
	buf := new(bytes.Buffer)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(oversized))
	buf.Write(header[:])
	buf.Write(make([]byte, oversized))
	require.NoError(t, WriteFrame(buf, []byte("next")))

	_, err := ReadFrame(buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	payload, err := ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, "next", string(payload))
}

func TestReadFrameOversizedTruncatedIsEndOfStream(t *testing.T) {
	t.Parallel()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameLength+10)
	_, err := ReadFrame(bytes.NewReader(append(header[:], 1, 2, 3)))
	require.ErrorIs(t, err, ErrEndOfStream)
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReadFrameSurfacesTransportErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := ReadFrame(failingReader{err: boom})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrEndOfStream)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteFrameSurfacesWriteErrors(t *testing.T) {
	t.Parallel()

	err := WriteFrame(failingWriter{}, []byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}
