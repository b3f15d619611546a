package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amartya2002/pagewatch/config"
	"github.com/amartya2002/pagewatch/notify"
	"github.com/amartya2002/pagewatch/watch"
)

func loadConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := "store: " + store + "\ndata_dir: " + filepath.Join(dir, "data") + "\nlog:\n  level: none\n"
	path := filepath.Join(dir, "pagewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildWatcherBackends(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer ts.Close()

	for _, store := range []string{config.StoreFile, config.StoreSQLite} {
		t.Run(store, func(t *testing.T) {
			cfg := loadConfig(t, store)
			ctx := context.Background()

			w, cleanup, err := buildWatcher(ctx, cfg)
			require.NoError(t, err)
			_, err = w.SyncTarget(config.TargetConfig{URL: ts.URL}.Target())
			require.NoError(t, err)
			rec, err := w.CheckNow(ctx, watch.StableID(ts.URL))
			require.NoError(t, err)
			assert.Nil(t, rec)
			w.Stop()
			cleanup()

			// a second boot sees the same target and baseline
			w, cleanup, err = buildWatcher(ctx, cfg)
			require.NoError(t, err)
			defer cleanup()
			defer w.Stop()
			snap, err := w.Snapshot(ctx, watch.StableID(ts.URL))
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Equal(t, watch.Fingerprint([]byte("hello")), snap.Hash)
		})
	}
}

func TestBuildChannels(t *testing.T) {
	channels, err := buildChannels(config.NotifyConfig{})
	require.NoError(t, err)
	assert.Empty(t, channels)

	channels, err = buildChannels(config.NotifyConfig{
		Email:    &notify.EmailConfig{Host: "smtp.example.com", Port: 25, To: []string{"ops@example.com"}},
		Slack:    &config.SlackConfig{WebhookURL: "https://hooks.example.com/x"},
		Telegram: &config.TelegramConfig{Token: "t", ChatID: "1"},
	})
	require.NoError(t, err)
	var names []string
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"email", "slack", "telegram"}, names)

	_, err = buildChannels(config.NotifyConfig{Slack: &config.SlackConfig{}})
	assert.Error(t, err)
}
