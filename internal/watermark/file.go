package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the seen-ID set in a JSON file. The whole set is loaded
// at construction and rewritten on every Mark, which is fine for batch
// ingestion volumes. All methods are safe for concurrent use.
type FileStore struct {
	path string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		seen: make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load watermark file: %w", err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for _, id := range ids {
		s.seen[id] = struct{}{}
	}
	return nil
}

func (s *FileStore) IsNew(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[eventID]
	return !ok, nil
}

func (s *FileStore) Mark(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[eventID]; ok {
		return nil
	}
	s.seen[eventID] = struct{}{}
	return s.save()
}

// save rewrites the set. Caller holds the lock.
func (s *FileStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-save never truncates the set.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Size returns the number of marked IDs.
func (s *FileStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *FileStore) Close() error { return nil }
