//go:build integration

package browser_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"browserd/internal/browser"

	"github.com/stretchr/testify/require"
)

// Requires a local Chrome/Chromium.
// Run with: go test -tags integration ./internal/browser
func TestLaunchAndReplay_Integration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>it</title></head><body>ok</body></html>"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := browser.Launch(ctx, browser.Options{Headless: true})
	require.NoError(t, err)
	defer func() { _ = h.Terminate(context.Background(), true) }()

	require.NoError(t, h.HealthCheck(ctx))

	require.NoError(t, h.ReplaceTabs(ctx, []browser.Tab{{URL: srv.URL, Current: true}}, true))

	require.Eventually(t, func() bool {
		cur, err := h.CurrentTab()
		return err == nil && cur.URL != ""
	}, 30*time.Second, 250*time.Millisecond)

	require.NoError(t, h.Terminate(ctx, false))
	require.NoError(t, h.Terminate(ctx, false)) // idempotent
}

func TestTargetEventsReachRegistry_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := browser.Launch(ctx, browser.Options{Headless: true})
	require.NoError(t, err)
	defer func() { _ = h.Terminate(context.Background(), true) }()

	require.NoError(t, h.ReplaceTabs(ctx, []browser.Tab{
		{URL: "about:blank"},
		{URL: "about:blank", Current: true},
	}, true))

	require.Eventually(t, func() bool {
		return len(h.Tabs()) >= 2
	}, 30*time.Second, 250*time.Millisecond)
}
