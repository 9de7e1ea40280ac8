package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmueller/voxworker/internal/config"
	"github.com/fmueller/voxworker/internal/protocol"
	"github.com/fmueller/voxworker/internal/whisper"
	"github.com/fmueller/voxworker/internal/worker"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestWorkerServesRequestsUntilShutdown(t *testing.T) {
	t.Parallel()

	var loads int
	var loaded config.Config
	app := newTestApp(nil)
	app.loadFn = func(_ context.Context, cfg config.Config) (worker.Engine, error) {
		loads++
		loaded = cfg
		return stubEngine{text: "hello"}, nil
	}

	audioPath := writeTempFile(t, "a.pcm", make([]byte, 32))
	var stdin bytes.Buffer
	stdin.Write(encodeRequests(t, protocol.TranscribeRequest{Path: audioPath}))
	stdin.Write(encodeRaw(t, `{"command":"frobnicate"}`))
	stdin.Write(encodeRequests(t,
		protocol.ShutdownRequest{},
		protocol.TranscribeRequest{Path: audioPath},
	))

	stdout, stderr, err := runApp(t, app, stdin.Bytes(), []string{"--model", "/models/ggml-base.bin", "--device", "cpu"})
	require.NoError(t, err, stderr)
	require.Equal(t, []protocol.Reply{
		protocol.ReadyReply{},
		protocol.ResultReply{Text: "hello (16 samples)"},
		protocol.ErrorReply{Message: "Unknown command frobnicate"},
		protocol.ShutdownReply{},
	}, decodeReplies(t, stdout.Bytes()))

	require.Equal(t, 1, loads)
	require.Equal(t, "/models/ggml-base.bin", loaded.Model)
	require.Equal(t, "cpu", loaded.Device)
	require.Equal(t, "auto", loaded.Language)
}

func TestWorkerExitsQuietlyOnEndOfInput(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = func(context.Context, config.Config) (worker.Engine, error) {
		return stubEngine{text: "unused"}, nil
	}

	stdout, _, err := runApp(t, app, nil, []string{"--model", "m.bin", "--device", "cpu"})
	require.NoError(t, err)
	require.Equal(t, []protocol.Reply{protocol.ReadyReply{}}, decodeReplies(t, stdout.Bytes()))
}

func TestWorkerReportsInvalidConfigurationAsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{name: "missing model", args: []string{"--device", "cpu"}, wantErr: config.ErrMissingModel},
		{name: "missing device", args: []string{"--model", "m.bin"}, wantErr: config.ErrMissingDevice},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stdout, _, err := runApp(t, newTestApp(nil), nil, tt.args)
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, []protocol.Reply{protocol.FatalReply{Message: tt.wantErr.Error()}}, decodeReplies(t, stdout.Bytes()))
		})
	}
}

func TestWorkerReportsLoadFailureAsFatal(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = func(context.Context, config.Config) (worker.Engine, error) {
		return nil, errors.New("cannot mmap model")
	}

	stdin := encodeRequests(t, protocol.TranscribeRequest{Path: "/tmp/never-read.pcm"})
	stdout, _, err := runApp(t, app, stdin, []string{"--model", "m.bin", "--device", "cpu"})
	require.ErrorIs(t, err, worker.ErrLoadFailed)
	require.Equal(t, []protocol.Reply{protocol.FatalReply{Message: "cannot mmap model"}}, decodeReplies(t, stdout.Bytes()))
}

func TestWorkerDefaultLoaderRejectsUnsupportedDevice(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = app.loadEngine

	stdout, _, err := runApp(t, app, nil, []string{"--model", "/nonexistent/ggml-base.bin", "--device", "mps", "--no-progress"})
	require.ErrorIs(t, err, whisper.ErrUnsupportedDevice)

	replies := decodeReplies(t, stdout.Bytes())
	require.Len(t, replies, 1)
	fatal, ok := replies[0].(protocol.FatalReply)
	require.True(t, ok)
	require.Contains(t, fatal.Message, "unsupported device")
}

func TestWorkerDefaultLoaderRejectsCorruptModel(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = app.loadEngine
	model := writeTempFile(t, "broken.bin", []byte("definitely not ggml"))

	stdout, _, err := runApp(t, app, nil, []string{"--model", model, "--model-dir", t.TempDir(), "--device", "cpu", "--no-progress"})
	require.ErrorIs(t, err, whisper.ErrCorruptModel)

	replies := decodeReplies(t, stdout.Bytes())
	require.Len(t, replies, 1)
	require.IsType(t, protocol.FatalReply{}, replies[0])
}

func TestWorkerConfigPrecedence(t *testing.T) {
	t.Parallel()

	configPath := writeTempFile(t, "voxworker.yaml", []byte("model: /file/model.bin\ndevice: cpu\nthreads: 2\nlanguage: fr\nsilence_gate: true\n"))
	env := map[string]string{
		config.EnvConfigFile: configPath,
		config.EnvThreads:    "6",
		config.EnvLanguage:   "es",
	}

	var loaded config.Config
	app := newTestApp(env)
	app.loadFn = func(_ context.Context, cfg config.Config) (worker.Engine, error) {
		loaded = cfg
		return stubEngine{}, nil
	}

	_, stderr, err := runApp(t, app, nil, []string{"--language", "DE"})
	require.NoError(t, err, stderr)
	require.Equal(t, "/file/model.bin", loaded.Model)
	require.Equal(t, "cpu", loaded.Device)
	require.Equal(t, 6, loaded.Threads)
	require.Equal(t, "de", loaded.Language)
	require.True(t, loaded.SilenceGate)
}

func TestWorkerSilenceGateFlag(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = func(context.Context, config.Config) (worker.Engine, error) {
		return stubEngine{text: "engine ran"}, nil
	}

	audioPath := writeTempFile(t, "silent.pcm", make([]byte, 64))
	stdin := encodeRequests(t, protocol.TranscribeRequest{Path: audioPath}, protocol.ShutdownRequest{})

	stdout, _, err := runApp(t, app, stdin, []string{"--model", "m.bin", "--device", "cpu", "--silence-gate"})
	require.NoError(t, err)
	require.Equal(t, []protocol.Reply{
		protocol.ReadyReply{},
		protocol.ResultReply{Text: worker.BlankAudioToken},
		protocol.ShutdownReply{},
	}, decodeReplies(t, stdout.Bytes()))
}

func TestWorkerLogsStayOffStdout(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = func(context.Context, config.Config) (worker.Engine, error) {
		return stubEngine{text: "x"}, nil
	}

	stdout, stderr, err := runApp(t, app, nil, []string{"--model", "m.bin", "--device", "cpu", "--verbose"})
	require.NoError(t, err)
	require.Contains(t, stderr, "worker ready")
	require.Equal(t, []protocol.Reply{protocol.ReadyReply{}}, decodeReplies(t, stdout.Bytes()))
}

func TestWorkerStopsOnCancellationWhileIdle(t *testing.T) {
	t.Parallel()

	app := newTestApp(nil)
	app.loadFn = func(context.Context, config.Config) (worker.Engine, error) {
		return stubEngine{text: "hello"}, nil
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutR.Close()
	})

	cmd := newRootCmd(app)
	cmd.SetIn(stdinR)
	cmd.SetOut(stdoutW)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--model", "/models/ggml-base.bin", "--device", "cpu"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	reply, err := protocol.NewConn(stdoutR, nil).ReadReply()
	require.NoError(t, err)
	require.Equal(t, protocol.ReadyReply{}, reply)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored cancellation while stdin was open")
	}
}
