package cache

import (
	"fmt"
	"path/filepath"

	"github.com/iTrooz/offline-radio-proxy/internal/config"
)

// SQLiteFile is the database file name used inside the cache folder
const SQLiteFile = "cache.db"

// New returns the store selected by the cache configuration. It is not initialized yet.
func New(cfg config.CacheConfig) (GenericCache, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendDisk:
		return NewDisk(cfg.Folder), nil
	case config.BackendSQLite:
		return NewSQLite(filepath.Join(cfg.Folder, SQLiteFile)), nil
	default:
		return nil, fmt.Errorf("unknown cache backend '%s'", cfg.Backend)
	}
}
