package watch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Message is the formatted payload handed to a notification channel.
type Message struct {
	Subject string
	Body    string
	// Attachment is an optional file path (the HTML diff report).
	Attachment string
}

// Channel delivers a Message somewhere outside the process.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// notificationSampleLines is how many added/removed lines make it into
// the alert text; the ChangeRecord keeps more.
const notificationSampleLines = 3

// Notifier formats change alerts and fans them out to its channels.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	timeout  time.Duration
}

func NewNotifier(timeout time.Duration, channels ...Channel) *Notifier {
	return &Notifier{channels: channels, timeout: timeout}
}

// Add registers another delivery channel.
func (n *Notifier) Add(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
}

// Notify sends one alert per channel. Every channel is attempted; their
// failures are combined. The caller treats the result as informational
// only, nothing is rolled back on error.
func (n *Notifier) Notify(ctx context.Context, target Target, rec ChangeRecord) error {
	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()
	if len(channels) == 0 {
		return nil
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg := FormatMessage(target, rec)

	var errs error
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errs
}

// FormatMessage renders the human-readable change alert.
func FormatMessage(target Target, rec ChangeRecord) Message {
	var b strings.Builder
	b.WriteString("Webpage Change Alert\n\n")
	fmt.Fprintf(&b, "Target: %s\n", target.Name)
	fmt.Fprintf(&b, "URL: %s\n", target.URL)
	fmt.Fprintf(&b, "Changed at: %s\n\n", rec.Timestamp.Format(time.RFC1123))

	d := rec.Delta
	if d.TotalAdded > 0 || d.TotalRemoved > 0 {
		b.WriteString("Changes detected:\n")
		fmt.Fprintf(&b, "- Lines added: %d\n", d.TotalAdded)
		fmt.Fprintf(&b, "- Lines removed: %d\n\n", d.TotalRemoved)
		if len(d.Added) > 0 {
			fmt.Fprintf(&b, "Sample additions:\n%s\n\n", strings.Join(head(d.Added, notificationSampleLines), "\n"))
		}
		if len(d.Removed) > 0 {
			fmt.Fprintf(&b, "Sample removals:\n%s\n\n", strings.Join(head(d.Removed, notificationSampleLines), "\n"))
		}
	}
	fmt.Fprintf(&b, "Content size changed from %d to %d bytes (%+d).", rec.SizeBefore, rec.SizeAfter, rec.SizeAfter-rec.SizeBefore)

	return Message{
		Subject:    fmt.Sprintf("Change detected: %s", target.Name),
		Body:       b.String(),
		Attachment: rec.Report,
	}
}

func head(lines []string, n int) []string {
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}
