// ============================================================================
// Tilerender View History - Persistent Navigation Log
// ============================================================================
//
// Package: internal/viewstate
// File: store.go
// Function: Keeps the list of visited views with a cursor (back/forward) and
//           persists it as JSON between explore sessions
//
// Atomic write:
//   1. Marshal to JSON
//   2. Write to <path>.tmp
//   3. os.Rename(<path>.tmp, <path>)
//   A crash mid-write leaves the previous file intact.
//
// File layout:
//   {
//     "entries": [{"cx": -0.5, "cy": 0, "pp": 0.005, "it": 500}, ...],
//     "cursor": 0,
//     "schema_ver": 1
//   }
//
// ============================================================================

package viewstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/tilerender/pkg/types"
)

// SchemaVersion is the history file format written by Store.
const SchemaVersion = 1

// MaxHistory bounds the number of entries a History keeps.
const MaxHistory = 256

var (
	ErrCorruptedHistory    = errors.New("history file is corrupted")
	ErrIncompatibleVersion = errors.New("history schema version is incompatible")
)

// ============================================================================
// History
// ============================================================================

// History is a list of visited views and the position of the current one.
// An empty history has Cursor -1.
type History struct {
	Entries   []types.ViewState `json:"entries"`
	Cursor    int               `json:"cursor"`
	SchemaVer int               `json:"schema_ver"`
}

// NewHistory returns an empty history.
func NewHistory() History {
	return History{Cursor: -1, SchemaVer: SchemaVersion}
}

// Current returns the view at the cursor.
func (h *History) Current() (types.ViewState, bool) {
	if h.Cursor < 0 || h.Cursor >= len(h.Entries) {
		return types.ViewState{}, false
	}
	return h.Entries[h.Cursor], true
}

// Push records v after the cursor, dropping any forward entries. Pushing
// the current view again is a no-op.
func (h *History) Push(v types.ViewState) {
	if cur, ok := h.Current(); ok && cur == v {
		return
	}

	keep := min(max(h.Cursor+1, 0), len(h.Entries))
	h.Entries = append(h.Entries[:keep], v)
	if over := len(h.Entries) - MaxHistory; over > 0 {
		h.Entries = append(h.Entries[:0], h.Entries[over:]...)
	}
	h.Cursor = len(h.Entries) - 1
}

// Back moves the cursor to the previous view.
func (h *History) Back() (types.ViewState, bool) {
	if h.Cursor <= 0 {
		return types.ViewState{}, false
	}
	h.Cursor--
	return h.Entries[h.Cursor], true
}

// Forward moves the cursor to the next view.
func (h *History) Forward() (types.ViewState, bool) {
	if h.Cursor+1 >= len(h.Entries) {
		return types.ViewState{}, false
	}
	h.Cursor++
	return h.Entries[h.Cursor], true
}

// ============================================================================
// Store
// ============================================================================

// Store reads and writes a History file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for path. The file is not touched until Load or Write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the history file path.
func (s *Store) Path() string {
	return s.path
}

// Write saves h atomically.
func (s *Store) Write(h History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.SchemaVer = SchemaVersion

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp history: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename history: %w", err)
	}
	return nil
}

// Load reads the history. A missing file is an empty history.
func (s *Store) Load() (History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewHistory(), nil
		}
		return History{}, fmt.Errorf("failed to read history: %w", err)
	}

	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return History{}, fmt.Errorf("%w: %v", ErrCorruptedHistory, err)
	}

	if h.SchemaVer != SchemaVersion {
		return History{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, h.SchemaVer, SchemaVersion)
	}

	if h.Cursor < -1 || h.Cursor >= len(h.Entries) {
		return History{}, fmt.Errorf("%w: cursor %d with %d entries", ErrCorruptedHistory, h.Cursor, len(h.Entries))
	}
	for i, v := range h.Entries {
		if err := Validate(v); err != nil {
			return History{}, fmt.Errorf("%w: entry %d: %v", ErrCorruptedHistory, i, err)
		}
	}
	return h, nil
}
