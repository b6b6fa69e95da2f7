package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Open opens the record store of one profile. File-backed drivers keep one
// database per profile under dir.
func Open(driver, dir, profile string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, DriverBolt:
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if profile == "" {
		return nil, fmt.Errorf("open %s store: empty profile name", driver)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if driver == DriverBolt {
		return NewBoltStore(filepath.Join(dir, profile+".bolt"))
	}
	return NewSQLiteStore(filepath.Join(dir, profile+".db"))
}
