package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths are the per-user tenx directories.
type Paths struct {
	Data   string // ~/.local/share/tenx
	Config string // ~/.config/tenx
	State  string // ~/.local/state/tenx
}

// GetPaths resolves the XDG directories for tenx.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(envOr("XDG_DATA_HOME", defaultHome(".local", "share")), "tenx"),
		Config: filepath.Join(envOr("XDG_CONFIG_HOME", defaultHome(".config")), "tenx"),
		State:  filepath.Join(envOr("XDG_STATE_HOME", defaultHome(".local", "state")), "tenx"),
	}
}

// StoragePath is where sessions are persisted by default.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// LogPath is where log files go when logs are not printed.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "log")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultHome(elem ...string) string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, elem...)...)
}
