package contentref

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/update"
)

const defaultTTL = 10 * time.Minute

// Config configures a Provider.
type Config struct {
	// PublicBaseURL is prepended to /content/<token>. The installer must be
	// able to reach it.
	PublicBaseURL string
	TTL           time.Duration
	MimeType      string

	// LegacyFileURI hands out file:// URIs instead of tokens.
	LegacyFileURI bool
}

type grant struct {
	path      string
	mimeType  string
	expiresAt time.Time
}

// Provider issues short-lived tokens that grant read access to a single
// artifact over HTTP.
type Provider struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	grants map[string]grant
}

func New(cfg Config) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	if cfg.MimeType == "" {
		cfg.MimeType = update.DefaultMimeType
	}

	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &Provider{
		cfg:    cfg,
		now:    time.Now,
		grants: make(map[string]grant),
	}
}

// Resolve returns a content reference for path.
func (p *Provider) Resolve(ctx context.Context, path string) (update.ContentRef, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return update.ContentRef{}, fmt.Errorf("failed to resolve artifact path: %w", err)
	}

	if p.cfg.LegacyFileURI {
		return update.ContentRef{URI: "file://" + filepath.ToSlash(abs), MimeType: p.cfg.MimeType}, nil
	}

	if p.cfg.PublicBaseURL == "" {
		return update.ContentRef{}, errors.New("content provider has no public base url")
	}

	token := uuid.NewString()
	expiresAt := p.now().Add(p.cfg.TTL)

	p.mu.Lock()
	p.grants[token] = grant{path: abs, mimeType: p.cfg.MimeType, expiresAt: expiresAt}
	p.mu.Unlock()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "content grant issued", "expires_at", expiresAt)

	return update.ContentRef{
		URI:      p.cfg.PublicBaseURL + "/content/" + token,
		MimeType: p.cfg.MimeType,
	}, nil
}

// Sweep drops grants that expired before now and returns how many it removed.
func (p *Provider) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0

	for token, g := range p.grants {
		if !now.Before(g.expiresAt) {
			delete(p.grants, token)
			removed++
		}
	}

	return removed
}

// Len returns the number of outstanding grants.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.grants)
}

func (p *Provider) lookup(token string) (grant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.grants[token]
	if !ok {
		return grant{}, false
	}

	if !p.now().Before(g.expiresAt) {
		delete(p.grants, token)

		return grant{}, false
	}

	return g, true
}

// Routes serves /{token}; mount it under /content.
func (p *Provider) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/{token}", p.HandleContent)

	return r
}

// HandleContent streams the artifact behind a valid token.
func (p *Provider) HandleContent(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	g, ok := p.lookup(chi.URLParam(r, "token"))
	if !ok {
		http.NotFound(w, r)

		return
	}

	f, err := os.Open(g.path)
	if err != nil {
		logger.WarnContext(r.Context(), "granted artifact is not readable", "err", err)
		http.NotFound(w, r)

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", g.mimeType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(g.path)))

	http.ServeContent(w, r, "", info.ModTime(), f)
}
