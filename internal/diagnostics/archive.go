package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive persists usage snapshots to an on-disk SQLite database so operators
// can inspect historical counters beyond what the in-memory ring retains.
// Entirely optional: a nil *Archive is a valid no-op per component wiring.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if absent) a SQLite database at path for
// historical usage-snapshot storage.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics archive: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		captured_at_ms INTEGER NOT NULL,
		subsystem TEXT NOT NULL,
		name TEXT NOT NULL,
		count INTEGER NOT NULL,
		avg_duration_ms REAL NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create diagnostics schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Store writes every counter in snap as a row stamped with capturedAtMs.
func (a *Archive) Store(ctx context.Context, capturedAtMs int64, snap UsageSnapshot) error {
	if a == nil || a.db == nil {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO usage_snapshots
		(captured_at_ms, subsystem, name, count, avg_duration_ms) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range snap.Counters {
		if _, err := stmt.ExecContext(ctx, capturedAtMs, c.Subsystem, c.Name, c.Count, c.AvgDurationMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPeriodicCapture snapshots rec into the archive every interval until ctx
// is canceled. Intended to be run in its own goroutine.
func (a *Archive) RunPeriodicCapture(ctx context.Context, rec *Recorder, interval time.Duration) {
	if a == nil || rec == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = a.Store(ctx, time.Now().UnixMilli(), rec.UsageSnapshot())
		}
	}
}
