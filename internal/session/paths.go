// Package session resolves a profile name to its on-disk layout.
package session

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory (default ~/.convsync).
const EnvHome = "CONVSYNC_HOME"

// BaseDir returns ~/.convsync, or $CONVSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convsync")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the control socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the profile's convsync.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "convsync.db")
}

// EnvPath returns the profile's .env file holding secrets.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// AttachmentTempDir returns where encrypted attachments are staged before upload.
func AttachmentTempDir(name string) string {
	return filepath.Join(Dir(name), "attachments")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "convsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), AttachmentTempDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
