package watch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline runs one check for one target: fetch, compare with the stored
// snapshot, diff, persist, notify. Checks for the same target id never
// overlap; a second caller waits for the first to finish.
type Pipeline struct {
	targets    *Registry
	fetcher    Fetcher
	history    HistoryStore
	notifier   *Notifier
	events     *Broadcaster
	reports    *ReportWriter
	logger     *zap.Logger
	logLevel   LogLevel
	sampleSize int
	now        func() time.Time
	newID      func() string
	locks      *keyedMutex
}

// PipelineConfig wires a Pipeline. Only Targets, Fetcher and History are
// required.
type PipelineConfig struct {
	Targets    *Registry
	Fetcher    Fetcher
	History    HistoryStore
	Notifier   *Notifier
	Events     *Broadcaster
	Reports    *ReportWriter
	Logger     *zap.Logger
	LogLevel   LogLevel
	SampleSize int
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		targets:    cfg.Targets,
		fetcher:    cfg.Fetcher,
		history:    cfg.History,
		notifier:   cfg.Notifier,
		events:     cfg.Events,
		reports:    cfg.Reports,
		logger:     cfg.Logger,
		logLevel:   cfg.LogLevel,
		sampleSize: cfg.SampleSize,
		now:        time.Now,
		newID:      uuid.NewString,
		locks:      newKeyedMutex(),
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.notifier == nil {
		p.notifier = NewNotifier(0)
	}
	if p.events == nil {
		p.events = NewBroadcaster(0)
	}
	return p
}

// Check runs the pipeline once. It returns the ChangeRecord when a change
// was detected, (nil, nil) for a baseline, an unchanged page or a disabled
// target, and an error when the fetch or the history lookup failed.
func (p *Pipeline) Check(ctx context.Context, targetID string) (*ChangeRecord, error) {
	unlock := p.locks.Lock(targetID)
	defer unlock()

	target, ok := p.targets.Get(targetID)
	if !ok {
		return nil, ErrTargetNotFound
	}
	if !target.Enabled {
		return nil, nil
	}

	current, err := p.fetcher.Fetch(ctx, target)
	if err != nil {
		p.logFailure(target, err)
		return nil, err
	}

	stored, err := p.history.Get(ctx, targetID)
	if err != nil {
		var perr *PersistenceError
		if !errors.As(err, &perr) {
			err = &PersistenceError{Op: "get snapshot", TargetID: targetID, Err: err}
		}
		p.logFailure(target, err)
		return nil, err
	}

	target, ok, err = p.targets.markChecked(ctx, targetID, p.now())
	if !ok {
		p.logger.Info("Target removed during check, discarding result", zap.String("target_id", targetID))
		return nil, ErrTargetNotFound
	}
	p.logPersistence(target, err)

	if stored == nil {
		p.logPersistence(target, p.history.Put(ctx, targetID, *current))
		p.logOutcome(target, "Baseline stored", current)
		return nil, nil
	}

	if stored.Hash == current.Hash {
		p.logPersistence(target, p.history.Put(ctx, targetID, *current))
		p.logOutcome(target, "No change", current)
		return nil, nil
	}

	rec := p.buildRecord(target, stored, current)

	// A failed write here means the same change is detected again on the
	// next tick, since the old snapshot is still on disk.
	p.logPersistence(target, p.history.Put(ctx, targetID, *current))

	if updated, ok, err := p.targets.recordChange(ctx, targetID, rec); ok {
		target = updated
		p.logPersistence(target, err)
	}

	p.logChange(target, rec)
	p.events.Publish(ChangeEvent{TargetID: target.ID, TargetName: target.Name, Change: rec})
	if err := p.notifier.Notify(ctx, target, rec); err != nil {
		p.logger.Warn("Notification failed", zap.String("target_id", target.ID), zap.Error(err))
	}
	return &rec, nil
}

func (p *Pipeline) buildRecord(target Target, stored, current *Snapshot) ChangeRecord {
	var delta Delta
	// A stored snapshot with a size but no content predates content
	// retention; report zero counts instead of diffing against nothing.
	if stored.Content != "" || stored.Size == 0 {
		delta = Diff(stored.Content, current.Content, p.sampleSize)
	} else {
		delta = Delta{Added: []string{}, Removed: []string{}}
	}

	rec := ChangeRecord{
		ID:         p.newID(),
		FromHash:   stored.Hash,
		ToHash:     current.Hash,
		Timestamp:  current.Timestamp,
		SizeBefore: stored.Size,
		SizeAfter:  current.Size,
		Delta:      delta,
	}
	if p.reports != nil {
		path, err := p.reports.Write(target, rec, stored.Content, current.Content)
		if err != nil {
			p.logger.Warn("Diff report not written", zap.String("target_id", target.ID), zap.Error(err))
		} else {
			rec.Report = path
		}
	}
	return rec
}

// ===== Logging =====

func (p *Pipeline) logFailure(t Target, err error) {
	if p.logLevel == LogNone {
		return
	}
	fields := []zap.Field{zap.String("target_id", t.ID), zap.String("target", t.Name), zap.String("url", t.URL), zap.Error(err)}
	var ferr *FetchError
	if errors.As(err, &ferr) {
		p.logger.Warn("Check failed", append(fields, zap.Bool("timeout", ferr.Timeout), zap.Int("status_code", ferr.StatusCode))...)
		return
	}
	p.logger.Error("Check failed", fields...)
}

func (p *Pipeline) logPersistence(t Target, err error) {
	if err == nil {
		return
	}
	p.logger.Error("Persistence failed", zap.String("target_id", t.ID), zap.Error(err))
}

func (p *Pipeline) logOutcome(t Target, msg string, snap *Snapshot) {
	if p.logLevel < LogDebug {
		return
	}
	p.logger.Debug(msg, zap.String("target_id", t.ID), zap.String("target", t.Name),
		zap.String("hash", snap.Hash), zap.Int("status_code", snap.StatusCode), zap.Int("size", snap.Size))
}

func (p *Pipeline) logChange(t Target, rec ChangeRecord) {
	if p.logLevel < LogInfo {
		return
	}
	p.logger.Info("Change detected", zap.String("target_id", t.ID), zap.String("target", t.Name), zap.String("url", t.URL),
		zap.String("from_hash", rec.FromHash), zap.String("to_hash", rec.ToHash),
		zap.Int("added", rec.Delta.TotalAdded), zap.Int("removed", rec.Delta.TotalRemoved))
}
