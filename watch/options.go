package watch

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ===== Options Pattern =====
type Option func(*Watcher)

// WithTimeout bounds every fetch. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.fingerprinter.Timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(w *Watcher) {
		if ua != "" {
			w.fingerprinter.UserAgent = ua
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(w *Watcher) { w.fingerprinter.MaxBodyBytes = n }
}

// WithStrictStatus makes non-2xx responses fail the fetch instead of
// being fingerprinted like any other body.
func WithStrictStatus(strict bool) Option {
	return func(w *Watcher) { w.fingerprinter.StrictStatus = strict }
}

// WithHTTPClient replaces the fetch client. WithTimeout still bounds
// each fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Watcher) { w.fingerprinter.Client = c }
}

// WithFetcher replaces the HTTP fingerprinter entirely (useful in tests).
func WithFetcher(f Fetcher) Option {
	return func(w *Watcher) { w.fetcher = f }
}

// WithHistory sets the snapshot store. Defaults to an in-memory store.
func WithHistory(h HistoryStore) Option {
	return func(w *Watcher) { w.history = h }
}

// WithTargetStore persists the target list; its contents are loaded by New.
func WithTargetStore(s TargetStore) Option {
	return func(w *Watcher) { w.targetStore = s }
}

// WithChannels adds notification channels.
func WithChannels(channels ...Channel) Option {
	return func(w *Watcher) { w.channels = append(w.channels, channels...) }
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.notifyTimeout = d }
}

// WithReportsDir enables HTML diff reports written under dir.
func WithReportsDir(dir string) Option {
	return func(w *Watcher) { w.reportsDir = dir }
}

// WithSampleSize bounds the added/removed samples kept per change.
func WithSampleSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.sampleSize = n
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(w *Watcher) { w.subscriberBuffer = n }
}

func WithLogLevel(level LogLevel) Option {
	return func(w *Watcher) { w.logLevel = level }
}

// enable/disable internal scheduler logs
func WithInternalLogs(enabled bool) Option {
	return func(w *Watcher) { w.enableInternalLogs = enabled }
}

// WithLogger allows injecting a custom zap logger (useful in tests).
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
		w.loggerExplicit = l != nil
	}
}

// LogConsole toggles the stdout sink. On unless set to false.
func LogConsole(enabled bool) Option {
	return func(w *Watcher) { w.logConsoleOpt = &enabled }
}

// LogFile adds a file sink; repeatable.
func LogFile(path string) Option {
	return func(w *Watcher) { w.logFilesOpt = append(w.logFilesOpt, path) }
}

// DisableLogs discards all log output.
func DisableLogs() Option {
	return func(w *Watcher) { w.logDisableOpt = true }
}
