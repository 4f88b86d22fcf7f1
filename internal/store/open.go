package store

import "fmt"

const (
	BackendMemory     = "memory"
	BackendPersistent = "persistent"
	BackendSQLite     = "sqlite"
)

// Open picks a backend by name. An empty name means memory.
func Open(backend, statePath, dbPath string, cfg Config) (API, error) {
	switch backend {
	case "", BackendMemory:
		return NewStore(cfg), nil
	case BackendPersistent:
		if statePath == "" {
			statePath = "./data/state.json"
		}
		return NewPersistentStore(statePath, cfg)
	case BackendSQLite:
		if dbPath == "" {
			return nil, fmt.Errorf("sqlite backend needs a database path")
		}
		return NewSQLiteStore(dbPath, cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
