// Package paths resolves the Clawdis state directory layout (~/.clawdis).
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the Clawdis state root, honoring CLAWDIS_STATE_DIR.
func BaseDir() (string, error) {
	if dir := os.Getenv("CLAWDIS_STATE_DIR"); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawdis"), nil
}

// DataPath returns a path within the state root (~/.clawdis/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the merged config snapshot path (config.json).
func ConfigPath() (string, error) { return DataPath("config.json") }

// ConfigTOMLPath returns the operator-edited config.toml path.
func ConfigTOMLPath() (string, error) { return DataPath("config.toml") }

// SessionsDir returns the per-session JSONL log directory.
func SessionsDir() (string, error) { return DataPath("sessions") }

// SessionsIndexPath returns the sessions.json store-index path.
func SessionsIndexPath() (string, error) { return DataPath("sessions.json") }

// CredentialsDir returns the credentials directory for a transport provider.
func CredentialsDir(provider string) (string, error) {
	return DataPath(filepath.Join("credentials", provider))
}

// BridgeDir returns the paired-node bridge state directory.
func BridgeDir() (string, error) { return DataPath("bridge") }

// PairedNodesPath returns the bridge/paired-nodes.json path.
func PairedNodesPath() (string, error) {
	return DataPath(filepath.Join("bridge", "paired-nodes.json"))
}

// LogsDir returns the daily-rotated log directory.
func LogsDir() (string, error) { return DataPath("logs") }

// IPCDir returns the optional UDS alias directory for the control-plane listener.
func IPCDir() (string, error) { return DataPath("ipc") }

// IPCSocketPath returns the ipc/gateway.sock path.
func IPCSocketPath() (string, error) { return DataPath(filepath.Join("ipc", "gateway.sock")) }

// MediaDir returns the media cache root.
func MediaDir() (string, error) { return DataPath("media") }

// EnsureDir creates a directory (and parents) with owner-only permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if needed.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a leading ~ to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
