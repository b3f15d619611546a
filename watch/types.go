// Package watch implements a page change watcher: it fetches remote
// documents on a per-target schedule, fingerprints them, diffs them
// against the last stored snapshot and notifies when they change.
package watch

import (
	"net/url"
	"time"
)

type LogLevel int

const (
	LogNone  LogLevel = iota // no logs
	LogError                 // only failures
	LogInfo                  // changes + failures
	LogDebug                 // every check
)

// Target is a monitored endpoint. The core only ever writes LastCheckedAt
// and LastChange; everything else belongs to whoever registered it.
type Target struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	CheckInterval time.Duration `json:"check_interval"`
	Enabled       bool          `json:"enabled"`
	// Selector optionally narrows fingerprinting to the HTML matched by
	// this CSS selector.
	Selector      string        `json:"selector,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastCheckedAt *time.Time    `json:"last_checked_at,omitempty"`
	LastChange    *ChangeRecord `json:"last_change,omitempty"`
}

// Validate checks the fields the core depends on.
func (t Target) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if t.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := ValidateURL(t.URL); err != nil {
		return err
	}
	if t.CheckInterval <= 0 {
		return &ValidationError{Field: "check_interval", Reason: "must be positive"}
	}
	return nil
}

// ValidateURL accepts only absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	return nil
}

// Snapshot is one observed state of a target's content.
type Snapshot struct {
	Hash       string    `json:"hash"`
	Content    string    `json:"content"`
	Size       int       `json:"size"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status"`
}

// Delta is the coarse line-level difference between two snapshots.
type Delta struct {
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	TotalAdded   int      `json:"total_added"`
	TotalRemoved int      `json:"total_removed"`
}

// ChangeRecord is immutable once built; the next change supersedes it.
type ChangeRecord struct {
	ID         string    `json:"id"`
	FromHash   string    `json:"from_hash"`
	ToHash     string    `json:"to_hash"`
	Timestamp  time.Time `json:"timestamp"`
	SizeBefore int       `json:"size_before"`
	SizeAfter  int       `json:"size_after"`
	Delta      Delta     `json:"changes"`
	Report     string    `json:"report,omitempty"`
}

// ChangeEvent is published to subscribers once per detected change.
type ChangeEvent struct {
	TargetID   string       `json:"target_id"`
	TargetName string       `json:"target_name"`
	Change     ChangeRecord `json:"change"`
}

// TargetPatch carries a partial update. Nil fields are left untouched.
type TargetPatch struct {
	Name          *string
	URL           *string
	CheckInterval *time.Duration
	Enabled       *bool
	Selector      *string
}

// copyUserFields overwrites the caller-owned fields of dst with t's.
func (t Target) copyUserFields(dst *Target) {
	dst.Name = t.Name
	dst.URL = t.URL
	dst.CheckInterval = t.CheckInterval
	dst.Enabled = t.Enabled
	dst.Selector = t.Selector
}

func (t Target) clone() Target {
	if t.LastCheckedAt != nil {
		at := *t.LastCheckedAt
		t.LastCheckedAt = &at
	}
	if t.LastChange != nil {
		rec := *t.LastChange
		t.LastChange = &rec
	}
	return t
}
