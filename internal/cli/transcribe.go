package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxworker/internal/audio"
	"github.com/fmueller/voxworker/internal/host"
	"github.com/fmueller/voxworker/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>...",
		Short: "Transcribe audio files through a worker process",
		Long: "Starts a voxworker worker, sends every file as a transcribe request and prints\n" +
			"one transcript per file. WAV files must be mono 16-bit PCM and are converted\n" +
			"to raw samples first; other files are sent as raw PCM16 little-endian audio.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runTranscribe(cmd, args)
		},
	}

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindConfigFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindModelDownloadFlag(cmd, app)
	bindSilenceFlags(cmd, app)
	return cmd
}

func (a *appState) runTranscribe(cmd *cobra.Command, paths []string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("audio file not found: %w", err)
		}
	}

	cfg, err := a.resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "voxworker-transcribe-*")
	if err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	client, err := a.startWorker(cmd.Context(), a.workerArgs(cfg))
	if err != nil {
		return err
	}

	stopSpinner := startSpinner(a.errWriter(), a.progressEnabled(), "Loading model")
	err = client.WaitReady()
	stopSpinner()
	if err != nil {
		_ = client.Close()
		return err
	}

	failed := 0
	for i, path := range paths {
		pcmPath, err := a.preparePCM(path, workDir, i)
		if err != nil {
			a.log().Error("cannot prepare audio", zap.String("audio", path), zap.Error(err))
			failed++
			continue
		}

		transcript, err := client.Transcribe(pcmPath)
		var remote *host.RemoteError
		if errors.As(err, &remote) {
			a.log().Error("transcription failed", zap.String("audio", path), zap.Error(err))
			failed++
			continue
		}
		if err != nil {
			_ = client.Close()
			return err
		}

		if len(paths) > 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, transcript)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), transcript)
		}
		if isBlankTranscript(transcript) {
			a.log().Warn(noSpeechHint(path))
		}
	}

	if err := client.Shutdown(); err != nil {
		return fmt.Errorf("stop worker: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to transcribe", failed, len(paths))
	}
	return nil
}

func (a *appState) startWorker(ctx context.Context, args []string) (*host.Client, error) {
	executableFn := a.executableFn
	if executableFn == nil {
		executableFn = os.Executable
	}
	exe, err := executableFn()
	if err != nil {
		return nil, fmt.Errorf("resolve voxworker executable path: %w", err)
	}

	startFn := a.startWorkerFn
	if startFn == nil {
		startFn = host.Start
	}
	return startFn(ctx, host.Options{
		Executable: exe,
		Args:       args,
		Stderr:     a.errWriter(),
		Logger:     a.log(),
	})
}

// preparePCM returns a raw PCM16 file for path, converting WAV input into
// workDir.
func (a *appState) preparePCM(path, workDir string, index int) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(filepath.Ext(abs), ".wav") {
		return abs, nil
	}

	data, format, err := audio.ReadWAVPCM16(abs)
	if err != nil {
		return "", err
	}
	if format.SampleRate != whisper.SampleRate {
		a.log().Warn("audio is not sampled at the engine rate; transcript quality may suffer",
			zap.String("audio", path),
			zap.Int("sample_rate", int(format.SampleRate)),
			zap.Int("expected_sample_rate", whisper.SampleRate),
		)
	}

	name := fmt.Sprintf("%03d-%s.pcm", index, strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)))
	out := filepath.Join(workDir, name)
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return "", fmt.Errorf("write converted audio: %w", err)
	}
	return out, nil
}
