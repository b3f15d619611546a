package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// HistoryStore maps a target id to its latest snapshot. Get returns
// (nil, nil) when the target has never been observed.
//
// Implementations keep at most the latest and the one prior snapshot per
// target; the prior one only rotates when the hash changes.
type HistoryStore interface {
	Get(ctx context.Context, targetID string) (*Snapshot, error)
	Put(ctx context.Context, targetID string, snap Snapshot) error
	Delete(ctx context.Context, targetID string) error
}

// PreviousReader is implemented by stores that retain the prior snapshot.
type PreviousReader interface {
	Previous(ctx context.Context, targetID string) (*Snapshot, error)
}

type historyEntry struct {
	Latest   Snapshot  `json:"latest"`
	Previous *Snapshot `json:"previous,omitempty"`
}

// rotate applies the retention policy for a new observation.
func (e *historyEntry) rotate(snap Snapshot) {
	if e.Latest.Hash != "" && e.Latest.Hash != snap.Hash {
		prev := e.Latest
		e.Previous = &prev
	}
	e.Latest = snap
}

// ===== In-memory store =====

// MemoryHistory keeps snapshots in process memory only.
type MemoryHistory struct {
	mu      sync.RWMutex
	entries map[string]*historyEntry
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{entries: make(map[string]*historyEntry)}
}

func (m *MemoryHistory) Get(_ context.Context, targetID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[targetID]
	if !ok {
		return nil, nil
	}
	snap := e.Latest
	return &snap, nil
}

func (m *MemoryHistory) Previous(_ context.Context, targetID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[targetID]
	if !ok || e.Previous == nil {
		return nil, nil
	}
	snap := *e.Previous
	return &snap, nil
}

func (m *MemoryHistory) Put(_ context.Context, targetID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[targetID]
	if !ok {
		e = &historyEntry{}
		m.entries[targetID] = e
	}
	e.rotate(snap)
	return nil
}

func (m *MemoryHistory) Delete(_ context.Context, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, targetID)
	return nil
}

// ===== JSON file store =====

const historyFileVersion = 1

type historyFile struct {
	Version int                      `json:"version"`
	Targets map[string]*historyEntry `json:"targets"`
}

// FileHistory keeps every target's entry in a single JSON file that is
// rewritten in full and atomically replaced on each Put.
type FileHistory struct {
	path    string
	mu      sync.RWMutex
	entries map[string]*historyEntry
}

// OpenFileHistory loads path if it exists; a missing file is an empty store.
func OpenFileHistory(path string) (*FileHistory, error) {
	h := &FileHistory{path: path, entries: make(map[string]*historyEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return h, nil
		}
		return nil, &PersistenceError{Op: "load history", Err: err}
	}
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &PersistenceError{Op: "load history", Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	if f.Version > historyFileVersion {
		return nil, &PersistenceError{Op: "load history", Err: fmt.Errorf("%s: unsupported version %d", path, f.Version)}
	}
	for id, e := range f.Targets {
		if e != nil {
			h.entries[id] = e
		}
	}
	return h, nil
}

func (h *FileHistory) Path() string { return h.path }

func (h *FileHistory) Get(_ context.Context, targetID string) (*Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[targetID]
	if !ok {
		return nil, nil
	}
	snap := e.Latest
	return &snap, nil
}

func (h *FileHistory) Previous(_ context.Context, targetID string) (*Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[targetID]
	if !ok || e.Previous == nil {
		return nil, nil
	}
	snap := *e.Previous
	return &snap, nil
}

// Put updates the entry and persists the whole file. On a write failure
// the in-memory entry is restored so memory never runs ahead of disk.
func (h *FileHistory) Put(_ context.Context, targetID string, snap Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	old, existed := h.entries[targetID]
	next := &historyEntry{}
	if existed {
		*next = *old
	}
	next.rotate(snap)
	h.entries[targetID] = next

	if err := h.flushLocked(); err != nil {
		if existed {
			h.entries[targetID] = old
		} else {
			delete(h.entries, targetID)
		}
		return &PersistenceError{Op: "put snapshot", TargetID: targetID, Err: err}
	}
	return nil
}

func (h *FileHistory) Delete(_ context.Context, targetID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	old, existed := h.entries[targetID]
	if !existed {
		return nil
	}
	delete(h.entries, targetID)
	if err := h.flushLocked(); err != nil {
		h.entries[targetID] = old
		return &PersistenceError{Op: "delete snapshot", TargetID: targetID, Err: err}
	}
	return nil
}

func (h *FileHistory) flushLocked() error {
	data, err := json.MarshalIndent(historyFile{Version: historyFileVersion, Targets: h.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return writeFileAtomic(h.path, data)
}
