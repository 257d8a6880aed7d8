package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.vox.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vox")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// DBPath returns the app-owned vox.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "vox.db")
}

// TokenPath returns the cached credential blob path.
func TokenPath(name string) string {
	return filepath.Join(Dir(name), "token")
}

// RecordingsDir returns the directory holding local recording payloads.
func RecordingsDir(name string) string {
	return filepath.Join(Dir(name), "recordings")
}

// HandoffDir returns the directory where the native-intent channel
// writes compose files for the host mail application.
func HandoffDir(name string) string {
	return filepath.Join(Dir(name), "handoff")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "voxd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		RecordingsDir(name),
		HandoffDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
