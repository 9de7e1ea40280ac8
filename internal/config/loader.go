package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Loader.
const (
	EnvConfigFile           = "VOXWORKER_CONFIG"
	EnvModel                = "VOXWORKER_MODEL"
	EnvModelDir             = "VOXWORKER_MODEL_DIR"
	EnvDevice               = "VOXWORKER_DEVICE"
	EnvLanguage             = "VOXWORKER_LANGUAGE"
	EnvThreads              = "VOXWORKER_THREADS"
	EnvAutoDownload         = "VOXWORKER_AUTO_DOWNLOAD"
	EnvSilenceGate          = "VOXWORKER_SILENCE_GATE"
	EnvSilenceThresholdDBFS = "VOXWORKER_SILENCE_THRESHOLD_DBFS"
)

// Loader merges defaults, an optional YAML file and environment overrides,
// in that order. Tests can override Lookup and ReadFile to inject
// deterministic inputs.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)

	// DefaultPath is read when neither path nor VOXWORKER_CONFIG names a
	// file. It may not exist.
	DefaultPath string
}

// Load returns the merged configuration without validating it. path names
// the YAML file; when empty, VOXWORKER_CONFIG and then DefaultPath are
// consulted.
func (l Loader) Load(path string) (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Defaults()

	path = strings.TrimSpace(path)
	if path == "" {
		if value, ok := l.Lookup(EnvConfigFile); ok {
			path = strings.TrimSpace(value)
		}
	}
	optional := false
	if path == "" {
		path, optional = strings.TrimSpace(l.DefaultPath), true
	}
	if path != "" {
		if err := l.applyFile(path, &cfg); err != nil {
			if !optional || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(l.Lookup, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) applyFile(path string, cfg *Config) error {
	raw, err := l.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func applyEnv(lookup func(string) (string, bool), cfg *Config) error {
	overrideString(lookup, EnvModel, &cfg.Model)
	overrideString(lookup, EnvModelDir, &cfg.ModelDir)
	overrideString(lookup, EnvDevice, &cfg.Device)
	overrideString(lookup, EnvLanguage, &cfg.Language)

	if err := overrideParsed(lookup, EnvThreads, &cfg.Threads, strconv.Atoi); err != nil {
		return err
	}
	if err := overrideParsed(lookup, EnvAutoDownload, &cfg.AutoDownload, strconv.ParseBool); err != nil {
		return err
	}
	if err := overrideParsed(lookup, EnvSilenceGate, &cfg.SilenceGate, strconv.ParseBool); err != nil {
		return err
	}
	parseFloat := func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
	return overrideParsed(lookup, EnvSilenceThresholdDBFS, &cfg.SilenceThresholdDBFS, parseFloat)
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideParsed[T any](lookup func(string) (string, bool), key string, target *T, parse func(string) (T, error)) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}

	parsed, err := parse(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: parse %s=%q: %w", key, value, err)
	}
	*target = parsed
	return nil
}
