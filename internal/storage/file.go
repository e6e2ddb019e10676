package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"slotwatch/pkg/logx"
)

// fileStore appends one JSON line per check cycle. There is no
// compaction: the audit trail is meant to be greppable history, and
// rotating it is the operator's business.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	f  *os.File
}

type cycleRecord struct {
	At      string   `json:"at"`
	Course  int      `json:"course"`
	Name    string   `json:"name"`
	Outcome string   `json:"outcome"`
	Tokens  []string `json:"tokens,omitempty"`
	TookMS  int64    `json:"took_ms"`
	Error   string   `json:"error,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, f: f}, nil
}

func (s *fileStore) AppendCycle(ctx context.Context, e CycleEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	rec := cycleRecord{
		At:      e.At.Format(time.RFC3339Nano),
		Course:  e.Course,
		Name:    e.Name,
		Outcome: e.Outcome,
		Tokens:  e.Tokens,
		TookMS:  e.TookMS,
		Error:   e.Error,
	}
	return json.NewEncoder(s.f).Encode(rec)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
