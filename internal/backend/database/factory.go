package database

import (
	"fmt"
	"log/slog"
)

func NewJobStore(databaseType, connectionString string) (store JobStore, err error) {
	switch databaseType {
	case "sqlite":
		store, err = NewSQLiteJobStore(connectionString)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", databaseType)
	}

	// Ensure database schema exists (idempotent), important for in-memory SQLite
	slog.Info("initializing job store schema")
	if _, err = store.CreateSchema(); err != nil {
		return nil, fmt.Errorf("failed to create job store schema: %w", err)
	}

	return store, nil
}
