package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dispatchd/pkg/logx"
)

// Single-row snapshot table; history lives inside the JSON blob, so the
// schema stays stable across domain changes.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshot (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	data     BLOB NOT NULL,
	saved_at TEXT NOT NULL
);
`

type sqliteGateway struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Gateway, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteGateway{db: db, log: log}, nil
}

func (g *sqliteGateway) Load(ctx context.Context) (*Snapshot, error) {
	if g == nil || g.db == nil {
		return nil, ErrDisabled
	}
	var blob []byte
	err := g.db.QueryRowContext(ctx, `SELECT data FROM snapshot WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		_, _ = g.db.ExecContext(ctx, `DELETE FROM snapshot WHERE id = 1`)
		if !g.log.IsZero() {
			g.log.Warn("discarded corrupt snapshot row", logx.Err(err))
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &snap, nil
}

func (g *sqliteGateway) Save(ctx context.Context, snap *Snapshot) error {
	if g == nil || g.db == nil {
		return ErrDisabled
	}
	if snap == nil {
		return nil
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO snapshot(id, data, saved_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		blob, snap.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

func (g *sqliteGateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}
