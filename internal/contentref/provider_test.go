package contentref

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/app_updater/internal/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "update.apk")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func mounted(p *Provider) http.Handler {
	r := chi.NewRouter()
	r.Mount("/content", p.Routes())

	return r
}

func TestResolve_ServesArtifactThroughToken(t *testing.T) {
	path := writeArtifact(t, "apk-bytes")

	p := New(Config{TTL: time.Minute})

	srv := httptest.NewServer(mounted(p))
	defer srv.Close()

	p.cfg.PublicBaseURL = srv.URL

	ref, err := p.Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.URI, srv.URL+"/content/"))
	assert.Equal(t, update.DefaultMimeType, ref.MimeType)

	resp, err := http.Get(ref.URI)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "apk-bytes", string(body))
	assert.Equal(t, update.DefaultMimeType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestResolve_EachCallIssuesAFreshToken(t *testing.T) {
	path := writeArtifact(t, "x")
	p := New(Config{PublicBaseURL: "http://127.0.0.1:9357/"})

	a, err := p.Resolve(context.Background(), path)
	require.NoError(t, err)

	b, err := p.Resolve(context.Background(), path)
	require.NoError(t, err)

	assert.NotEqual(t, a.URI, b.URI)
	assert.True(t, strings.HasPrefix(a.URI, "http://127.0.0.1:9357/content/"))
	assert.Equal(t, 2, p.Len())
}

func TestResolve_LegacyFileURI(t *testing.T) {
	path := writeArtifact(t, "x")
	p := New(Config{LegacyFileURI: true, MimeType: "application/octet-stream"})

	ref, err := p.Resolve(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "file://"+filepath.ToSlash(path), ref.URI)
	assert.Equal(t, "application/octet-stream", ref.MimeType)
	assert.Zero(t, p.Len())
}

func TestResolve_RequiresBaseURL(t *testing.T) {
	p := New(Config{})

	_, err := p.Resolve(context.Background(), "update.apk")
	assert.Error(t, err)
}

func TestHandleContent_NotFound(t *testing.T) {
	path := writeArtifact(t, "x")

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := New(Config{PublicBaseURL: "http://host", TTL: time.Minute})
	p.now = func() time.Time { return now }

	ref, err := p.Resolve(context.Background(), path)
	require.NoError(t, err)

	token := strings.TrimPrefix(ref.URI, "http://host")

	tests := []struct {
		name    string
		target  string
		advance time.Duration
		setup   func()
	}{
		{name: "unknown token", target: "/content/nope"},
		{name: "removed artifact", target: token, setup: func() { require.NoError(t, os.Remove(path)) }},
		{name: "expired token", target: token, advance: 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}

			now = now.Add(tt.advance)

			rec := httptest.NewRecorder()
			mounted(p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}

	assert.Zero(t, p.Len(), "expired grant is dropped on lookup")
}

func TestSweep(t *testing.T) {
	path := writeArtifact(t, "x")

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := New(Config{PublicBaseURL: "http://host", TTL: time.Minute})
	p.now = func() time.Time { return start }

	for range 3 {
		_, err := p.Resolve(context.Background(), path)
		require.NoError(t, err)
	}

	assert.Zero(t, p.Sweep(start.Add(30*time.Second)))
	assert.Equal(t, 3, p.Sweep(start.Add(time.Minute)))
	assert.Zero(t, p.Len())
}
