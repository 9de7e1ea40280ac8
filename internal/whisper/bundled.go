package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/voxworker/internal/audio"
	"github.com/fmueller/voxworker/internal/platform"
	"go.uber.org/zap"
)

const enginePathEnv = "VOXWORKER_WHISPER_PATH"

// BundledEngine runs the whisper-cli binary shipped next to voxworker. It
// holds no mutable state after Load, so one instance serves every request.
type BundledEngine struct {
	Executable string
	ModelPath  string
	Language   string
	Threads    int
	Logger     *zap.Logger
}

func NewBundledEngine(logger *zap.Logger) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override := strings.TrimSpace(os.Getenv(enginePathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", enginePathEnv, err)
		}
		return &BundledEngine{Executable: override, Logger: logger}, nil
	}

	workerExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxworker executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(workerExe)
	if err != nil {
		return nil, err
	}

	return &BundledEngine{Executable: whisperExe, Logger: logger}, nil
}

func ResolveBundledEnginePath(workerExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(workerExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s; expected at ../libexec/whisper/%s or set %s", workerExecutable, engineBinaryName(), enginePathEnv)
}

func EnginePathCandidates(workerExecutable string) []string {
	binDir := filepath.Dir(workerExecutable)
	engineName := engineBinaryName()
	hostTarget := platform.CurrentRuntime().Target()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

// Transcribe hands samples to whisper-cli through a temporary WAV file and
// returns the trimmed text output.
func (b *BundledEngine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if strings.TrimSpace(b.ModelPath) == "" {
		return "", errors.New("model path is required")
	}
	if err := ensureExecutable(b.Executable); err != nil {
		return "", fmt.Errorf("bundled whisper engine missing or not executable: %w", err)
	}

	workDir, err := os.MkdirTemp("", "voxworker-")
	if err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	wavPath := filepath.Join(workDir, "input.wav")
	if err := os.WriteFile(wavPath, audio.EncodeWAV16(samples, SampleRate), 0o600); err != nil {
		return "", fmt.Errorf("write engine input: %w", err)
	}

	outBase := filepath.Join(workDir, "output")
	args := b.args(wavPath, outBase)

	cmd := exec.CommandContext(ctx, b.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	b.log().Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args), zap.Int("samples", len(samples)))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return "", fmt.Errorf("bundled whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", b.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return "", errors.New("bundled whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set " + enginePathEnv + " to a whisper-cli binary built for your CPU")
		}
		return "", fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	content, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	return strings.TrimSpace(string(content)), nil
}

func (b *BundledEngine) args(wavPath, outBase string) []string {
	args := []string{"-m", b.ModelPath, "-f", wavPath, "-nt", "-otxt", "-of", outBase}
	lang := strings.TrimSpace(b.Language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}
	return args
}

func (b *BundledEngine) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
