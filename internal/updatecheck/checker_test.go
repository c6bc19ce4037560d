package updatecheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/app_updater/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	*httptest.Server
	hits    atomic.Int32
	headers atomic.Value
}

func newServer(t *testing.T, status int, body string) *server {
	t.Helper()

	s := &server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version.json" {
			http.NotFound(w, r)

			return
		}

		s.hits.Add(1)
		s.headers.Store(r.Header.Clone())

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)

	return s
}

func newChecker(t *testing.T, baseURL, current string, freq Frequency) *Checker {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "checks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(Config{
		APIBaseURL:     baseURL + "/",
		CurrentVersion: current,
		Frequency:      freq,
		UserAgent:      "app-updater-test/1.0",
	}, sqlite.NewCheckRepository(db), nil)
}

func TestCheck_UpdateAvailable(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"version":"v1.3.0","releaseNotes":"fixes"}`)
	c := newChecker(t, srv.URL, "1.2.9", FrequencyStartup)

	res, err := c.Check(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "1.2.9", res.CurrentVersion)
	assert.Equal(t, "v1.3.0", res.LatestVersion)
	assert.Equal(t, srv.URL+"/upgrade", res.UpdateURL)
	assert.Equal(t, "fixes", res.ReleaseNotes)

	h := srv.headers.Load().(http.Header)
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
	assert.Equal(t, "app-updater-test/1.0", h.Get("User-Agent"))

	history, err := c.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.True(t, history[0].UpdateAvailable)
	assert.Equal(t, "v1.3.0", history[0].LatestVersion)
}

func TestCheck_Comparison(t *testing.T) {
	tests := []struct {
		current, latest string
		available       bool
	}{
		{current: "1.0.0", latest: "1.0.0", available: false},
		{current: "v1.0.0", latest: "1.0.1", available: true},
		{current: "1.10.0", latest: "1.9.9", available: false},
		{current: "1.2", latest: "1.2.1", available: true},
		{current: "2.0.0-beta", latest: "2.0.0", available: true},
		{current: "V3.0.0", latest: "v2.9.0", available: false},
	}

	for _, tt := range tests {
		t.Run(tt.current+"->"+tt.latest, func(t *testing.T) {
			c := New(Config{CurrentVersion: tt.current, APIBaseURL: "http://api"}, nil, nil)

			res, err := c.compare(&Manifest{Version: tt.latest})
			require.NoError(t, err)
			assert.Equal(t, tt.available, res.UpdateAvailable)
		})
	}
}

func TestCheck_DownloadURLFromManifest(t *testing.T) {
	c := New(Config{CurrentVersion: "1.0.0", APIBaseURL: "http://api"}, nil, nil)

	res, err := c.compare(&Manifest{Version: "1.1.0", DownloadURL: "http://cdn/app.apk"})
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/app.apk", res.UpdateURL)
}

func TestCheck_FailuresAreRecorded(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "oops"},
		{name: "missing version", status: http.StatusOK, body: `{"downloadUrl":"http://cdn/app.apk"}`},
		{name: "not json", status: http.StatusOK, body: "<html>"},
		{name: "invalid version", status: http.StatusOK, body: `{"version":"latest"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.status, tt.body)
			c := newChecker(t, srv.URL, "1.0.0", FrequencyStartup)

			_, err := c.Check(context.Background(), false)
			require.Error(t, err)

			history, err := c.History(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.False(t, history[0].Success)
			assert.NotEmpty(t, history[0].Error)

			// A failed check does not count towards the frequency.
			_, err = c.Check(context.Background(), false)
			assert.NotErrorIs(t, err, ErrCheckSkipped)
			assert.Equal(t, int32(2), srv.hits.Load())
		})
	}
}

func TestCheck_Timeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newChecker(t, srv.URL, "1.0.0", FrequencyStartup)
	c.cfg.Timeout = 20 * time.Millisecond

	_, err := c.Check(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCheck_Frequency(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

	tests := []struct {
		name    string
		freq    Frequency
		advance time.Duration
		due     bool
	}{
		{name: "startup same day", freq: FrequencyStartup, advance: time.Hour, due: false},
		{name: "startup next day", freq: FrequencyStartup, advance: 14 * time.Hour, due: true},
		{name: "daily too early", freq: FrequencyDaily, advance: 23 * time.Hour, due: false},
		{name: "daily due", freq: FrequencyDaily, advance: 24 * time.Hour, due: true},
		{name: "weekly too early", freq: FrequencyWeekly, advance: 6 * 24 * time.Hour, due: false},
		{name: "weekly due", freq: FrequencyWeekly, advance: 7 * 24 * time.Hour, due: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, http.StatusOK, `{"version":"1.0.0"}`)
			c := newChecker(t, srv.URL, "1.0.0", tt.freq)

			now := base
			c.now = func() time.Time { return now }

			_, err := c.Check(context.Background(), false)
			require.NoError(t, err)

			now = base.Add(tt.advance)

			_, err = c.Check(context.Background(), false)
			if tt.due {
				require.NoError(t, err)
				assert.Equal(t, int32(2), srv.hits.Load())
			} else {
				assert.ErrorIs(t, err, ErrCheckSkipped)
				assert.Equal(t, int32(1), srv.hits.Load())
			}

			_, err = c.Check(context.Background(), true)
			require.NoError(t, err, "forced checks ignore the frequency")
		})
	}
}

func TestCheck_KeepsNewestRecords(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"version":"1.0.0"}`)
	c := newChecker(t, srv.URL, "1.0.0", FrequencyStartup)

	for range keepRecords + 5 {
		_, err := c.Check(context.Background(), true)
		require.NoError(t, err)
	}

	history, err := c.History(context.Background(), 1000)
	require.NoError(t, err)
	assert.Len(t, history, keepRecords)
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, FrequencyWeekly, f)

	f, err = ParseFrequency("")
	require.NoError(t, err)
	assert.Equal(t, FrequencyStartup, f)

	_, err = ParseFrequency("hourly")
	assert.Error(t, err)
}
