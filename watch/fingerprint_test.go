package watch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amartya2002/pagewatch/watch"
)

func TestFingerprinterHashesBody(t *testing.T) {
	gotUA := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("hello\nworld"))
	}))
	defer ts.Close()

	f := watch.NewFingerprinter()
	snap, err := f.Fetch(context.Background(), watch.Target{URL: ts.URL})
	require.NoError(t, err)

	assert.Equal(t, watch.Fingerprint([]byte("hello\nworld")), snap.Hash)
	assert.Len(t, snap.Hash, 64)
	assert.Equal(t, "hello\nworld", snap.Content)
	assert.Equal(t, 11, snap.Size)
	assert.Equal(t, http.StatusOK, snap.StatusCode)
	assert.False(t, snap.Timestamp.IsZero())
	assert.Equal(t, watch.DefaultUserAgent, <-gotUA)
}

func TestFingerprinterNon2xxIsContentByDefault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer ts.Close()

	snap, err := watch.NewFingerprinter().Fetch(context.Background(), watch.Target{URL: ts.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, snap.StatusCode)
	assert.Equal(t, "maintenance", snap.Content)
}

func TestFingerprinterStrictStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := watch.NewFingerprinter()
	f.StrictStatus = true
	_, err := f.Fetch(context.Background(), watch.Target{URL: ts.URL})

	var ferr *watch.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, http.StatusNotFound, ferr.StatusCode)
	assert.False(t, ferr.Timeout)
}

func TestFingerprinterTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	f := watch.NewFingerprinter()
	f.Timeout = 50 * time.Millisecond
	_, err := f.Fetch(context.Background(), watch.Target{URL: ts.URL})

	var ferr *watch.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.True(t, ferr.Timeout)
}

func TestFingerprinterNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := watch.NewFingerprinter().Fetch(context.Background(), watch.Target{URL: url})
	var ferr *watch.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.NotNil(t, errors.Unwrap(ferr))
}

func TestFingerprinterSelector(t *testing.T) {
	page := `<html><body>
<div id="nav">changes every request %d</div>
<ul class="items"><li>one</li><li>two</li></ul>
</body></html>`
	var n atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(page, "%d", fmt.Sprint(n.Add(1)), 1)))
	}))
	defer ts.Close()

	f := watch.NewFingerprinter()
	target := watch.Target{URL: ts.URL, Selector: "ul.items"}
	first, err := f.Fetch(context.Background(), target)
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash, "only the selected region is fingerprinted")
	assert.Contains(t, first.Content, "<li>")
	assert.Contains(t, first.Content, "two")
	assert.NotContains(t, first.Content, "changes every request")
}

func TestFingerprinterSelectorNoMatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<p>plain</p>"))
	}))
	defer ts.Close()

	_, err := watch.NewFingerprinter().Fetch(context.Background(), watch.Target{URL: ts.URL, Selector: "#missing"})
	var ferr *watch.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Error(), "matched nothing")
}

func TestFingerprinterMaxBodyBytes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer ts.Close()

	f := watch.NewFingerprinter()
	f.MaxBodyBytes = 10
	snap, err := f.Fetch(context.Background(), watch.Target{URL: ts.URL})
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Size)
}
