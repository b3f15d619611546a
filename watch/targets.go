package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// TargetStore persists the target list, including the result fields the
// pipeline writes back.
type TargetStore interface {
	ListTargets(ctx context.Context) ([]Target, error)
	SaveTarget(ctx context.Context, t Target) error
	DeleteTarget(ctx context.Context, id string) error
}

// ===== Registry =====

// Registry is the in-process target list. The Watcher funnels every
// external mutation through it so the scheduler always sees a consistent
// view; the pipeline only touches LastCheckedAt and LastChange.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Target
	store   TargetStore

	// saveMu orders writes to store so a stale copy never lands last.
	saveMu sync.Mutex
}

// NewRegistry returns an empty registry. store may be nil.
func NewRegistry(store TargetStore) *Registry {
	return &Registry{targets: make(map[string]*Target), store: store}
}

// Load replaces the registry contents with what the backing store holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.ListTargets(ctx)
	if err != nil {
		return &PersistenceError{Op: "load targets", Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = make(map[string]*Target, len(list))
	for _, t := range list {
		t := t.clone()
		r.targets[t.ID] = &t
	}
	return nil
}

func (r *Registry) Get(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[id]
	if !ok {
		return Target{}, false
	}
	return t.clone(), true
}

// List returns copies ordered by creation time, then id.
func (r *Registry) List() []Target {
	r.mu.RLock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Put inserts or replaces t. The in-memory copy is updated even when
// persisting fails; the error is returned for the caller to report.
func (r *Registry) Put(ctx context.Context, t Target) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	t = t.clone()
	r.mu.Lock()
	r.targets[t.ID] = &t
	r.mu.Unlock()
	return r.save(ctx, t)
}

func (r *Registry) Remove(ctx context.Context, id string) (Target, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	r.mu.Lock()
	t, ok := r.targets[id]
	if ok {
		delete(r.targets, id)
	}
	r.mu.Unlock()
	if !ok {
		return Target{}, ErrTargetNotFound
	}
	if r.store != nil {
		if err := r.store.DeleteTarget(ctx, id); err != nil {
			return *t, &PersistenceError{Op: "delete target", TargetID: id, Err: err}
		}
	}
	return *t, nil
}

// markChecked sets LastCheckedAt. It reports false if the target was
// removed while its check was in flight.
func (r *Registry) markChecked(ctx context.Context, id string, at time.Time) (Target, bool, error) {
	return r.update(ctx, id, func(t *Target) {
		t.LastCheckedAt = &at
	})
}

func (r *Registry) recordChange(ctx context.Context, id string, rec ChangeRecord) (Target, bool, error) {
	return r.update(ctx, id, func(t *Target) {
		t.LastChange = &rec
	})
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Target)) (Target, bool, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	r.mu.Lock()
	t, ok := r.targets[id]
	if !ok {
		r.mu.Unlock()
		return Target{}, false, nil
	}
	fn(t)
	snapshot := t.clone()
	r.mu.Unlock()
	return snapshot, true, r.save(ctx, snapshot)
}

func (r *Registry) save(ctx context.Context, t Target) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveTarget(ctx, t); err != nil {
		return &PersistenceError{Op: "save target", TargetID: t.ID, Err: err}
	}
	return nil
}

// ===== JSON file target store =====

// FileTargets stores the target list as a JSON array, atomically replaced
// on every write.
type FileTargets struct {
	path string
	mu   sync.Mutex
}

func NewFileTargets(path string) *FileTargets {
	return &FileTargets{path: path}
}

func (f *FileTargets) ListTargets(_ context.Context) ([]Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *FileTargets) SaveTarget(_ context.Context, t Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, err := f.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].ID == t.ID {
			list[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, t)
	}
	return f.writeLocked(list)
}

func (f *FileTargets) DeleteTarget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, err := f.readLocked()
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, t := range list {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	return f.writeLocked(kept)
}

func (f *FileTargets) readLocked() ([]Target, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var list []Target
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return list, nil
}

func (f *FileTargets) writeLocked(list []Target) error {
	if list == nil {
		list = []Target{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	return writeFileAtomic(f.path, data)
}
