// Package fileutil holds small file-persistence helpers shared by the
// Resource Pool, Resumable Session Store, and Session Manager — each of
// which is required by spec §5 ("Shared-resource policy") to write whole
// files atomically and to resolve configured paths under the user's home
// directory.
//
// Grounded on the teacher's internal/infra/filestore/atomic.go, trimmed to
// the standard library encoding/json (the teacher's jsonx wrapper is an
// internal shim with no third-party backing worth carrying over).
package fileutil

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// EnsureDir creates path and all parents if missing.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// EnsureParentDir creates the parent directory of filePath.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// AtomicWrite writes data to filePath via temp file + rename, so a crash
// mid-write never leaves a corrupt file in place (spec §5 "Writes are
// whole-file atomic").
func AtomicWrite(filePath string, data []byte, perm os.FileMode) error {
	if err := EnsureParentDir(filePath); err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFileOrEmpty reads path, returning (nil, nil) if it doesn't exist.
func ReadFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// ResolvePath expands a leading "~" and environment variables in configured,
// falling back to defaultPath when configured is empty.
func ResolvePath(configured, defaultPath string) string {
	path := configured
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			switch {
			case len(path) > 1 && path[1] == '/':
				path = filepath.Join(home, path[2:])
			case len(path) == 1:
				path = home
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}

	return os.ExpandEnv(path)
}

// MarshalJSONIndent marshals v as indented JSON with a trailing newline.
func MarshalJSONIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
