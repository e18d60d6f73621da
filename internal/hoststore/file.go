package hoststore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend persists the raw settings record to a single JSON file.
// Writes go through a tmp file plus rename so readers never observe a
// partially written record.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Get(ctx context.Context) (json.RawMessage, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (b *FileBackend) Set(ctx context.Context, record json.RawMessage) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || record == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, record, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// FallbackStore wraps a FileBackend behind the synchronous, never-failing
// fallback contract: Get returns nil on any problem, Set swallows errors.
type FallbackStore struct {
	backend *FileBackend
	logger  Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

func NewFallbackStore(path string, logger Logger) *FallbackStore {
	return &FallbackStore{backend: NewFileBackend(path), logger: logger}
}

func (s *FallbackStore) Path() string {
	if s == nil || s.backend == nil {
		return ""
	}
	return s.backend.Path
}

func (s *FallbackStore) Get() json.RawMessage {
	if s == nil || s.backend == nil {
		return nil
	}
	record, err := s.backend.Get(context.Background())
	if err != nil {
		s.logf("fallback store read failed: %v", err)
		return nil
	}
	return record
}

func (s *FallbackStore) Set(record json.RawMessage) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Set(context.Background(), record); err != nil {
		s.logf("fallback store write failed: %v", err)
	}
}

func (s *FallbackStore) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
