package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultModelDirFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, goos, home, xdg, want string
	}{
		{name: "linux with xdg", goos: "linux", home: "/home/dev", xdg: "/tmp/xdg-data", want: "/tmp/xdg-data/voxworker/models"},
		{name: "linux without xdg", goos: "linux", home: "/home/dev", want: "/home/dev/.local/share/voxworker/models"},
		{name: "macos", goos: "darwin", home: "/Users/dev", want: "/Users/dev/Library/Application Support/voxworker/models"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir, err := DefaultModelDirFor(tt.goos, tt.home, tt.xdg)
			require.NoError(t, err)
			require.Equal(t, tt.want, dir)
		})
	}
}

func TestDefaultModelDirForRejectsUnsupportedInputs(t *testing.T) {
	t.Parallel()

	_, err := DefaultModelDirFor("windows", "/Users/dev", "")
	require.Error(t, err)

	_, err = DefaultModelDirFor("linux", "", "")
	require.Error(t, err)
}

func TestDefaultConfigFileFor(t *testing.T) {
	t.Parallel()

	path, err := DefaultConfigFileFor("linux", "/home/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.config/voxworker/config.yaml", path)

	path, err = DefaultConfigFileFor("linux", "/home/dev", "/tmp/cfg")
	require.NoError(t, err)
	require.Equal(t, "/tmp/cfg/voxworker/config.yaml", path)

	path, err = DefaultConfigFileFor("darwin", "/Users/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/Users/dev/Library/Application Support/voxworker/config.yaml", path)

	_, err = DefaultConfigFileFor("plan9", "/home/dev", "")
	require.Error(t, err)
}

func TestResolveModelDirOverride(t *testing.T) {
	t.Parallel()

	dir, err := ResolveModelDir("/srv/models/../models/")
	require.NoError(t, err)
	require.Equal(t, "/srv/models", dir)
}

func TestNormalizeArchAndTarget(t *testing.T) {
	t.Parallel()

	require.Equal(t, "amd64", NormalizeArch("x86_64"))
	require.Equal(t, "arm64", NormalizeArch("aarch64"))
	require.Equal(t, "riscv64", NormalizeArch("riscv64"))
	require.Equal(t, "linux_arm64", Runtime{OS: "linux", Arch: "arm64"}.Target())
}
