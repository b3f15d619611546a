package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultCheckInterval applies to targets registered without an interval.
const DefaultCheckInterval = time.Hour

type Watcher struct {
	fingerprinter *Fingerprinter
	fetcher       Fetcher
	history       HistoryStore
	targetStore   TargetStore
	channels      []Channel
	notifyTimeout time.Duration
	reportsDir    string
	sampleSize    int

	logLevel           LogLevel
	enableInternalLogs bool
	logger             *zap.Logger
	loggerExplicit     bool // set when WithLogger used

	// logging configuration accumulated by options
	logConsoleOpt *bool
	logFilesOpt   []string
	logDisableOpt bool

	subscriberBuffer int

	registry  *Registry
	pipeline  *Pipeline
	scheduler *Scheduler
	events    *Broadcaster

	// opMu serializes target management calls.
	opMu sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
}

// ===== Constructor =====

// New builds a Watcher. When a target store is configured its targets are
// loaded here; nothing is scheduled until Start.
func New(opts ...Option) (*Watcher, error) {
	w := &Watcher{
		fingerprinter: NewFingerprinter(),
		notifyTimeout: 30 * time.Second,
		sampleSize:    DefaultSampleSize,
		logLevel:      LogInfo,
	}
	for _, opt := range opts {
		opt(w)
	}
	// Build logger after options applied unless explicitly provided
	if !w.loggerExplicit {
		w.logger = w.buildLoggerFromConfig()
	}
	if w.logger == nil {
		w.logger = defaultConsoleLogger()
	}

	if w.fetcher == nil {
		w.fetcher = w.fingerprinter
	}
	if w.history == nil {
		w.history = NewMemoryHistory()
	}

	var reports *ReportWriter
	if w.reportsDir != "" {
		var err error
		if reports, err = NewReportWriter(w.reportsDir); err != nil {
			return nil, err
		}
	}

	w.registry = NewRegistry(w.targetStore)
	if err := w.registry.Load(context.Background()); err != nil {
		return nil, err
	}

	w.events = NewBroadcaster(w.subscriberBuffer)
	w.pipeline = NewPipeline(PipelineConfig{
		Targets:    w.registry,
		Fetcher:    w.fetcher,
		History:    w.history,
		Notifier:   NewNotifier(w.notifyTimeout, w.channels...),
		Events:     w.events,
		Reports:    reports,
		Logger:     w.logger,
		LogLevel:   w.logLevel,
		SampleSize: w.sampleSize,
	})
	w.scheduler = NewScheduler(w.scheduledCheck, w.logger)
	w.scheduler.ilogOn = w.enableInternalLogs
	return w, nil
}

func defaultConsoleLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func (w *Watcher) buildLoggerFromConfig() *zap.Logger {
	if w.logDisableOpt {
		return zap.NewNop()
	}

	console := true
	if w.logConsoleOpt != nil {
		console = *w.logConsoleOpt
	}

	var paths []string
	seen := map[string]struct{}{}
	if console {
		paths = append(paths, "stdout")
		seen["stdout"] = struct{}{}
	}
	for _, f := range w.logFilesOpt {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		paths = append(paths, f)
	}

	if len(paths) == 0 {
		return defaultConsoleLogger()
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = paths
	if w.logLevel >= LogDebug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// ===== Lifecycle =====

// Start arms a timer for every enabled target. Targets added afterwards
// are scheduled as they arrive.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	for _, t := range w.registry.List() {
		if err := w.scheduler.Start(t); err != nil {
			w.logger.Error("Could not schedule target", zap.String("target_id", t.ID), zap.Error(err))
		}
	}
	w.ilog("Watcher started with %d active targets", w.scheduler.Active())
}

// Stop cancels every timer, abandons in-flight fetches and closes all
// subscriber channels. The Watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.scheduler.Shutdown()
	w.events.Close()
	w.ilog("Watcher stopped")
	_ = w.logger.Sync()
}

func (w *Watcher) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopped
}

func (w *Watcher) scheduledCheck(ctx context.Context, targetID string) {
	// Failures are logged by the pipeline; the next tick is the retry.
	_, _ = w.pipeline.Check(ctx, targetID)
}

// ===== Target management =====

// AddTarget registers a new target and, once started, schedules it.
// Missing ID, interval and creation time are filled in.
func (w *Watcher) AddTarget(t Target) (Target, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.addTargetLocked(t)
}

func (w *Watcher) addTargetLocked(t Target) (Target, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CheckInterval == 0 {
		t.CheckInterval = DefaultCheckInterval
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	if _, exists := w.registry.Get(t.ID); exists {
		return Target{}, fmt.Errorf("%s: %w", t.ID, ErrTargetExists)
	}

	err := w.registry.Put(context.Background(), t)
	w.ilog("Registered target: %s (%s)", t.Name, t.URL)
	w.schedule(t)
	return t, err
}

// SyncTarget inserts t or replaces the user-owned fields of an existing
// target with the same id, keeping its check results. Used for targets
// that come from a config file on every boot.
func (w *Watcher) SyncTarget(t Target) (Target, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	existing, ok := w.registry.Get(t.ID)
	if !ok {
		return w.addTargetLocked(t)
	}
	if t.CheckInterval == 0 {
		t.CheckInterval = DefaultCheckInterval
	}
	enabled := t.Enabled
	return w.updateTargetLocked(existing.ID, TargetPatch{
		Name:          &t.Name,
		URL:           &t.URL,
		CheckInterval: &t.CheckInterval,
		Enabled:       &enabled,
		Selector:      &t.Selector,
	})
}

// UpdateTarget applies patch and reschedules when the schedule or the
// fetched resource changed. Changing URL or selector drops the stored
// snapshot so the next check records a fresh baseline.
func (w *Watcher) UpdateTarget(id string, patch TargetPatch) (Target, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.updateTargetLocked(id, patch)
}

func (w *Watcher) updateTargetLocked(id string, patch TargetPatch) (Target, error) {
	t, ok := w.registry.Get(id)
	if !ok {
		return Target{}, ErrTargetNotFound
	}
	before := t

	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.URL != nil {
		t.URL = *patch.URL
	}
	if patch.CheckInterval != nil {
		t.CheckInterval = *patch.CheckInterval
	}
	if patch.Enabled != nil {
		t.Enabled = *patch.Enabled
	}
	if patch.Selector != nil {
		t.Selector = *patch.Selector
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}

	resourceChanged := t.URL != before.URL || t.Selector != before.Selector
	scheduleChanged := resourceChanged || t.CheckInterval != before.CheckInterval || t.Enabled != before.Enabled

	ctx := context.Background()
	var errs error
	if resourceChanged {
		w.scheduler.Stop(id)
		// Wait out an in-flight check so it cannot write a snapshot of the
		// old resource after the history entry is dropped.
		unlock := w.pipeline.locks.Lock(id)
		errs = multierr.Append(errs, w.history.Delete(ctx, id))
		updated, _, err := w.registry.update(ctx, id, t.copyUserFields)
		unlock()
		t, errs = updated, multierr.Append(errs, err)
	} else {
		updated, _, err := w.registry.update(ctx, id, t.copyUserFields)
		t, errs = updated, multierr.Append(errs, err)
	}
	if scheduleChanged {
		w.schedule(t)
	}
	return t, errs
}

// RemoveTarget stops the target's timer before disposing of the target
// and its stored snapshots.
func (w *Watcher) RemoveTarget(id string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.scheduler.Stop(id)

	unlock := w.pipeline.locks.Lock(id)
	defer unlock()
	if _, err := w.registry.Remove(context.Background(), id); err != nil {
		return err
	}
	if err := w.history.Delete(context.Background(), id); err != nil {
		return err
	}
	w.ilog("Removed target %s", id)
	return nil
}

func (w *Watcher) GetTarget(id string) (Target, bool) {
	return w.registry.Get(id)
}

// ListTargets returns all registered targets.
func (w *Watcher) ListTargets() []Target {
	return w.registry.List()
}

func (w *Watcher) schedule(t Target) {
	if !w.running() {
		return
	}
	if err := w.scheduler.Reschedule(t); err != nil {
		w.logger.Error("Could not schedule target", zap.String("target_id", t.ID), zap.Error(err))
	}
}

// ===== Checks, snapshots and events =====

// CheckNow runs the pipeline for id immediately, waiting for any check of
// the same target already in flight.
func (w *Watcher) CheckNow(ctx context.Context, id string) (*ChangeRecord, error) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return nil, ErrClosed
	}
	return w.pipeline.Check(ctx, id)
}

// Snapshot returns the latest stored snapshot, or nil if id has not been
// checked yet.
func (w *Watcher) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	if _, ok := w.registry.Get(id); !ok {
		return nil, ErrTargetNotFound
	}
	return w.history.Get(ctx, id)
}

// AddChannel attaches another notification channel.
func (w *Watcher) AddChannel(ch Channel) {
	w.pipeline.notifier.Add(ch)
}

// Subscribe streams one ChangeEvent per detected change.
func (w *Watcher) Subscribe() (<-chan ChangeEvent, func()) {
	return w.events.Subscribe()
}

func (w *Watcher) Logger() *zap.Logger { return w.logger }

// Running reports whether id has an armed timer.
func (w *Watcher) Running(id string) bool { return w.scheduler.Running(id) }

// ===== File loading =====

type fileTarget struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	CheckInterval int64  `json:"check_interval"` // seconds
	Enabled       *bool  `json:"enabled"`
	Selector      string `json:"selector"`
}

// LoadFromFile syncs targets from a JSON array. check_interval is in
// seconds; enabled defaults to true.
func (w *Watcher) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	var entries []fileTarget
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode %s: %w", filePath, err)
	}
	for _, e := range entries {
		t := Target{
			ID:            e.ID,
			Name:          e.Name,
			URL:           e.URL,
			CheckInterval: time.Duration(e.CheckInterval) * time.Second,
			Enabled:       e.Enabled == nil || *e.Enabled,
			Selector:      e.Selector,
		}
		if t.ID == "" {
			t.ID = StableID(t.URL)
		}
		if _, err := w.SyncTarget(t); err != nil {
			return fmt.Errorf("target %s: %w", t.ID, err)
		}
	}
	w.ilog("Loaded %d targets from file: %s", len(entries), filePath)
	return nil
}

// StableID derives a deterministic target id from a URL, for target lists
// that do not carry their own ids.
func StableID(rawURL string) string {
	return "url-" + Fingerprint([]byte(rawURL))[:12]
}

// ===== Internal Logging Helper =====
func (w *Watcher) ilog(format string, args ...interface{}) {
	if w.enableInternalLogs {
		w.logger.Info(fmt.Sprintf("[INTERNAL] "+format, args...))
	}
}
