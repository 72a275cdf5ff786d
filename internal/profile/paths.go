package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.courier.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".courier")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the durable store path for a profile.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "courier.db")
}

// CacheDir returns the fast-cache snapshot directory for a profile.
func CacheDir(name string) string {
	return filepath.Join(Dir(name), "cache")
}

// AttachmentsDir returns where pre-upload attachment payloads live.
func AttachmentsDir(name string) string {
	return filepath.Join(Dir(name), "attachments")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "courierd.log")
}

// EnginePath returns the per-profile engine config path.
func EnginePath(name string) string {
	return filepath.Join(Dir(name), "engine.toml")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		CacheDir(name),
		AttachmentsDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
