package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"highlightsync/internal/adapters/util"
	"highlightsync/internal/core/domain/ports"
)

// FileWatermarkStore implements ports.WatermarkStore using a local JSON file.
var _ ports.WatermarkStore = (*FileWatermarkStore)(nil)

type FileWatermarkStore struct {
	filepath string
	mu       sync.RWMutex
	state    stateData
}

type stateData struct {
	LastRunStart *time.Time `json:"last_run_start,omitempty"`
}

// NewFileWatermarkStore initializes a watermark store from a file path.
func NewFileWatermarkStore(path string) (*FileWatermarkStore, error) {
	store := &FileWatermarkStore{filepath: path}

	if err := store.load(); err != nil {
		return nil, fmt.Errorf("failed to load state file: %w", err)
	}

	return store, nil
}

func (s *FileWatermarkStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filepath), 0o755); err != nil {
		return err
	}

	data, err := os.ReadFile(s.filepath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(bytes.TrimSpace(data)) == 0:
		return nil
	}
	return json.Unmarshal(data, &s.state)
}

// GetWatermark returns the start time of the last successful run.
func (s *FileWatermarkStore) GetWatermark(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.LastRunStart == nil {
		return time.Time{}, false, nil
	}
	return *s.state.LastRunStart, true, nil
}

// SetWatermark overwrites the watermark and persists it. The value is
// replaced even when it is older: a run's start time is authoritative.
func (s *FileWatermarkStore) SetWatermark(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := stateData{LastRunStart: &t}
	if err := s.save(next); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	s.state = next
	return nil
}

func (s *FileWatermarkStore) save(state stateData) error {
	return util.WriteFileAtomic(s.filepath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	})
}
