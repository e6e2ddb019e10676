package storage

// Package storage keeps an optional audit trail of check cycles.
//
// It currently supports:
//   - "file": append-only JSON Lines, dependency-free
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil); callers must tolerate a nil Store.

import (
	"context"
	"errors"
	"strings"
	"time"

	"slotwatch/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CycleEntry records the outcome of one check cycle for one course.
// Keep it compact and schema-stable.
type CycleEntry struct {
	At      time.Time
	Course  int
	Name    string
	Outcome string
	Tokens  []string
	TookMS  int64
	Error   string
}

// Store is the minimal audit API used by the scheduler.
type Store interface {
	AppendCycle(ctx context.Context, e CycleEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
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
