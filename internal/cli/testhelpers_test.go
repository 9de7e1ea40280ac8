package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/fmueller/voxworker/internal/config"
	"github.com/fmueller/voxworker/internal/protocol"
	"github.com/fmueller/voxworker/internal/worker"
	"github.com/stretchr/testify/require"
)

// newTestApp isolates commands from the caller's environment and config
// files. The default loader fails so tests opt in to an engine explicitly.
func newTestApp(env map[string]string) *appState {
	app := newAppState()
	app.lookup = func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
	app.defaultConfigPath = ""
	app.loadFn = func(context.Context, config.Config) (worker.Engine, error) {
		return nil, errors.New("no engine configured in test")
	}
	return app
}

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	out, errOut, err := runApp(t, newTestApp(nil), nil, args)
	return out.String(), errOut, err
}

func runApp(t *testing.T, app *appState, stdin []byte, args []string) (stdout *bytes.Buffer, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetIn(bytes.NewReader(stdin))
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(context.Background())
	return outBuf, errBuf.String(), err
}

func encodeRequests(t *testing.T, reqs ...protocol.Request) []byte {
	t.Helper()

	var buf bytes.Buffer
	conn := protocol.NewConn(nil, &buf)
	for _, req := range reqs {
		require.NoError(t, conn.WriteRequest(req))
	}
	return buf.Bytes()
}

func encodeRaw(t *testing.T, payload string) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, []byte(payload)))
	return buf.Bytes()
}

func decodeReplies(t *testing.T, data []byte) []protocol.Reply {
	t.Helper()

	conn := protocol.NewConn(bytes.NewReader(data), nil)
	var replies []protocol.Reply
	for {
		reply, err := conn.ReadReply()
		if errors.Is(err, protocol.ErrEndOfStream) {
			return replies
		}
		require.NoError(t, err)
		replies = append(replies, reply)
	}
}

type stubEngine struct {
	text string
	fail map[int]string
}

func (s stubEngine) Transcribe(_ context.Context, samples []float32) (string, error) {
	if msg, ok := s.fail[len(samples)]; ok {
		return "", errors.New(msg)
	}
	return fmt.Sprintf("%s (%d samples)", s.text, len(samples)), nil
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
