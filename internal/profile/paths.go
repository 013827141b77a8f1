package profile

import (
	"os"
	"path/filepath"
)

// baseOverride lets tests relocate the whole tree.
var baseOverride = os.Getenv("MLSCHAT_HOME")

// BaseDir returns ~/.mlschat unless MLSCHAT_HOME is set.
func BaseDir() string {
	if baseOverride != "" {
		return baseOverride
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mlschat")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the daemon's UDS socket path.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// SettingsPath returns the per-profile settings file.
func SettingsPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// JournalPath returns the message journal database path.
func JournalPath(name string) string {
	return filepath.Join(Dir(name), "journal.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "mlschatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
