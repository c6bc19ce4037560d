package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/app_updater/internal/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)

	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	assert.ErrorIs(t, NewDiscordNotifier("").Notify(context.Background(), "hello"), ErrNoWebhook)
}

func TestOutcomeMessage(t *testing.T) {
	ok := OutcomeMessage(&update.Outcome{
		DownloadID: 7,
		Version:    "1.4.0",
		Status:     update.StatusSucceeded,
		Duration:   1500 * time.Millisecond,
	})
	assert.Contains(t, ok, "1.4.0")
	assert.Contains(t, ok, "2s")
	assert.Contains(t, ok, "download 7")

	failed := OutcomeMessage(&update.Outcome{
		DownloadID: 8,
		Status:     update.StatusFailed,
		Err:        errors.New("http 404"),
	})
	assert.Contains(t, failed, "unknown version")
	assert.Contains(t, failed, "http 404")
}
