package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "dispatchd/pkg/logx"
)

// fileGateway persists the snapshot as a single JSON file.
//
// Writes go to a temp file in the same directory followed by an atomic
// rename, so a crash mid-write never leaves a half-written snapshot.
type fileGateway struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Gateway, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileGateway{log: log, path: path}, nil
}

func (g *fileGateway) Load(ctx context.Context) (*Snapshot, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()

	b, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// Drop the poisoned copy so the next load starts clean.
		_ = os.Remove(g.path)
		if !g.log.IsZero() {
			g.log.Warn("discarded corrupt snapshot file", logx.String("path", g.path), logx.Err(err))
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &snap, nil
}

func (g *fileGateway) Save(ctx context.Context, snap *Snapshot) error {
	_ = ctx
	if snap == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

func (g *fileGateway) Close() error { return nil }
