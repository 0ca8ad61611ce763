package storage

import (
	"context"
	"errors"
	"strings"

	logx "dispatchd/pkg/logx"
)

// Gateway is the persistence contract used by the task store.
//
// Load returns (nil, nil) when no snapshot exists yet. A corrupt snapshot is
// discarded by the driver and surfaced as ErrCorrupt so the caller can start
// empty without re-hitting the poisoned copy.
type Gateway interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Open initializes the configured gateway.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Gateway, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
