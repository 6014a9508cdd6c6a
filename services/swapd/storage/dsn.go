package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

const sessionFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN for the
// session database. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, sessionFilePragmas), nil
}

// MemoryDSN names a shared-cache in-memory database, used by tests and
// throwaway dev runs.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.TrimSpace(name))
}
