package watch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/yosssi/gohtml"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (compatible; pagewatch/1.0)"
	DefaultMaxBodyBytes = 10 << 20
)

// Fetcher produces a Snapshot of a target's current content.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (*Snapshot, error)
}

// Fingerprinter is the HTTP Fetcher. It performs exactly one GET per call;
// retries are left to the scheduler's next tick.
type Fingerprinter struct {
	Client       *http.Client
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	// StrictStatus turns non-2xx responses into a FetchError instead of
	// hashing the returned body.
	StrictStatus bool
	now          func() time.Time
}

func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{
		Client:       &http.Client{},
		Timeout:      DefaultTimeout,
		UserAgent:    DefaultUserAgent,
		MaxBodyBytes: DefaultMaxBodyBytes,
		now:          time.Now,
	}
}

func (f *Fingerprinter) Fetch(ctx context.Context, target Target) (*Snapshot, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: target.URL, Err: err}
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: target.URL, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	if f.StrictStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, &FetchError{URL: target.URL, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if f.MaxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{URL: target.URL, Timeout: isTimeout(ctx, err), Err: err}
	}

	if target.Selector != "" {
		region, err := selectRegion(raw, target.Selector)
		if err != nil {
			return nil, &FetchError{URL: target.URL, StatusCode: resp.StatusCode, Err: err}
		}
		raw = region
	}

	return &Snapshot{
		Hash:       Fingerprint(raw),
		Content:    string(raw),
		Size:       len(raw),
		Timestamp:  f.now(),
		StatusCode: resp.StatusCode,
	}, nil
}

// Fingerprint returns the hex SHA-256 digest used as the equality test.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// selectRegion keeps the outer HTML of every node matched by selector,
// formatted one element per line so line diffs stay readable.
func selectRegion(raw []byte, selector string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("selector %q matched nothing", selector)
	}
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			parts = append(parts, html)
		}
	})
	return []byte(gohtml.Format(strings.Join(parts, "\n"))), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
