package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxworker/internal/config"
	"github.com/fmueller/voxworker/internal/download"
	"github.com/fmueller/voxworker/internal/platform"
	"github.com/fmueller/voxworker/internal/whisper"
	"github.com/fmueller/voxworker/internal/worker"
	"go.uber.org/zap"
)

// loadEngine is the production loader: validate the device, make sure the
// model is on disk and hand both to the whisper backend.
func (a *appState) loadEngine(ctx context.Context, cfg config.Config) (worker.Engine, error) {
	if _, err := whisper.CheckDevice(cfg.Device); err != nil {
		return nil, err
	}

	model, err := a.ensureModelAvailable(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.log().Info("loading model", zap.String("model", model.Path), zap.String("device", cfg.Device))
	stopSpinner := startSpinner(a.errWriter(), a.progressEnabled(), "Loading model")
	engine, err := whisper.Load(ctx, whisper.LoadOptions{
		ModelPath: model.Path,
		Device:    cfg.Device,
		Language:  cfg.Language,
		Threads:   cfg.Threads,
		Logger:    a.log(),
	})
	stopSpinner()
	if err != nil {
		return nil, err
	}
	return engine, nil
}

func (a *appState) ensureModelAvailable(ctx context.Context, cfg config.Config) (whisper.ResolvedModel, error) {
	modelDir, err := modelStorageDir(cfg.ModelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(cfg.Model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !cfg.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxworker setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     a.noProgress,
		Progress:       a.errWriter(),
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

func modelStorageDir(override string) (string, error) {
	dir, err := platform.ResolveModelDir(override)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}
