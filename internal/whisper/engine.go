package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

const (
	// SupportedDevice is the only inference device this build can drive.
	SupportedDevice = "cpu"

	// SampleRate is the rate whisper expects; raw PCM handed to the worker is
	// assumed to already be at this rate.
	SampleRate = 16000
)

var (
	ErrUnsupportedDevice = errors.New("unsupported device")
	ErrCorruptModel      = errors.New("model file is not a ggml whisper model")
)

// ggml model files start with the little-endian uint32 0x67676d6c.
var ggmlMagic = []byte{0x6c, 0x6d, 0x67, 0x67}

type LoadOptions struct {
	ModelPath string
	Device    string
	Language  string
	Threads   int
	Logger    *zap.Logger
}

// Load validates the runtime environment and returns a ready engine. Every
// failure here is a startup failure: unsupported device, missing engine
// binary, or an unreadable or corrupt model file.
func Load(ctx context.Context, opts LoadOptions) (*BundledEngine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := CheckDevice(opts.Device)
	if err != nil {
		return nil, err
	}

	if err := CheckModelFile(opts.ModelPath); err != nil {
		return nil, err
	}

	engine, err := NewBundledEngine(opts.Logger)
	if err != nil {
		return nil, err
	}
	engine.ModelPath = opts.ModelPath
	engine.Language = opts.Language
	engine.Threads = opts.Threads

	engine.Logger.Debug("whisper engine loaded",
		zap.String("engine", engine.Executable),
		zap.String("model", engine.ModelPath),
		zap.String("device", device),
	)
	return engine, nil
}

// CheckDevice normalizes device and rejects anything this build cannot run
// inference on.
func CheckDevice(device string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(device))
	if normalized != SupportedDevice {
		return "", fmt.Errorf("%w %q: this build only supports the %s backend", ErrUnsupportedDevice, device, SupportedDevice)
	}
	return normalized, nil
}

// CheckModelFile verifies that path names a readable ggml model.
func CheckModelFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("model path is required")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %s is a directory", path)
	}

	magic := make([]byte, len(ggmlMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return fmt.Errorf("%w: %s is too short", ErrCorruptModel, path)
	}
	if !bytes.Equal(magic, ggmlMagic) {
		return fmt.Errorf("%w: %s", ErrCorruptModel, path)
	}
	return nil
}
