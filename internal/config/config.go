// Package config resolves worker settings from an optional YAML file and
// VOXWORKER_* environment variables. Command-line flags are layered on top by
// the cli package before Validate runs.
package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultLanguage             = "auto"
	DefaultSilenceThresholdDBFS = -65.0
)

var (
	ErrMissingModel  = errors.New("config: model is required (--model or VOXWORKER_MODEL)")
	ErrMissingDevice = errors.New("config: device is required (--device or VOXWORKER_DEVICE)")
)

type Config struct {
	Model                string  `yaml:"model"`
	ModelDir             string  `yaml:"model_dir"`
	Device               string  `yaml:"device"`
	Language             string  `yaml:"language"`
	Threads              int     `yaml:"threads"`
	AutoDownload         bool    `yaml:"auto_download"`
	SilenceGate          bool    `yaml:"silence_gate"`
	SilenceThresholdDBFS float64 `yaml:"silence_threshold_dbfs"`
}

// Defaults returns the configuration used when neither file, environment
// nor flags say otherwise. Model and device have no default.
func Defaults() Config {
	return Config{
		Language:             DefaultLanguage,
		AutoDownload:         true,
		SilenceThresholdDBFS: DefaultSilenceThresholdDBFS,
	}
}

// Validate normalizes values in place and rejects missing or out-of-range
// settings.
func (c *Config) Validate() error {
	c.Model = strings.TrimSpace(c.Model)
	c.ModelDir = strings.TrimSpace(c.ModelDir)
	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	c.Language = SanitizeLanguage(c.Language)

	if c.Model == "" {
		return ErrMissingModel
	}
	if c.Device == "" {
		return ErrMissingDevice
	}
	if c.Threads < 0 {
		return fmt.Errorf("config: threads must be >= 0, got %d", c.Threads)
	}
	if c.SilenceThresholdDBFS > 0 {
		return fmt.Errorf("config: silence threshold must be <= 0 dBFS, got %g", c.SilenceThresholdDBFS)
	}
	return nil
}

func SanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return DefaultLanguage
	}
	return trimmed
}
