// Package platform resolves per-OS locations for voxworker data and
// configuration.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "voxworker"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

// Target is the os_arch directory name used for packaged engine binaries.
func (r Runtime) Target() string {
	return r.OS + "_" + r.Arch
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appName, "models"), nil
		}
		return filepath.Join(homeDir, ".local", "share", appName, "models"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName, "models"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

// DefaultConfigFileFor is where the worker looks for a config file when
// neither --config nor VOXWORKER_CONFIG names one.
func DefaultConfigFileFor(goos, homeDir, xdgConfigHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgConfigHome != "" {
			return filepath.Join(xdgConfigHome, appName, "config.yaml"), nil
		}
		return filepath.Join(homeDir, ".config", appName, "config.yaml"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName, "config.yaml"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

// ResolveConfigFile returns the default config file path. An unresolvable
// home directory yields an empty path.
func ResolveConfigFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	path, err := DefaultConfigFileFor(runtime.GOOS, homeDir, os.Getenv("XDG_CONFIG_HOME"))
	if err != nil {
		return ""
	}
	return path
}
