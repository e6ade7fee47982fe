package storage

import (
	"fmt"
	"strings"
)

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// NewStore opens the named backend. An empty kind selects the build's
// default; sqlitePath is only read by the sqlite backend.
func NewStore(kind, sqlitePath string) (Store, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = DefaultStoreKind()
	}
	switch kind {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite store requires a database path")
		}
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s (want %s or %s)", kind, KindMemory, KindSQLite)
	}
}

// CloseIfSupported releases backends that hold a handle.
func CloseIfSupported(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
