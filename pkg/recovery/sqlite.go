package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

const schema = `
CREATE TABLE IF NOT EXISTS latest_fix (
	device_id  TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore implements Store on a local sqlite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a sqlite-backed recovery store
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize recovery store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CheckAvailability pings the database
func (s *SQLiteStore) CheckAvailability(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// SaveLatest upserts the latest fix for the fix's device
func (s *SQLiteStore) SaveLatest(ctx context.Context, f fix.Fix) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode fix: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO latest_fix (device_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		f.DeviceID, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save latest fix: %w", err)
	}
	return nil
}

// LoadLatest returns the saved fix for the device, or nil when none exists
func (s *SQLiteStore) LoadLatest(ctx context.Context, deviceID string) (*fix.Fix, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM latest_fix WHERE device_id = ?`, deviceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest fix: %w", err)
	}

	var f fix.Fix
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("failed to decode stored fix: %w", err)
	}
	return &f, nil
}
