package downloadmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/app_updater/internal/events"
	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/storage"
	"github.com/italolelis/app_updater/internal/telemetry"
	"github.com/italolelis/app_updater/internal/update"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrShutdown is returned by Enqueue once Shutdown has been called.
var ErrShutdown = errors.New("download manager is shut down")

// Config tunes transfers.
type Config struct {
	MaxAttempts           int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	PersistInterval       time.Duration
	LogInterval           time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns the settings used in production.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           3,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            10 * time.Second,
		PersistInterval:       time.Second,
		LogInterval:           5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}

	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}

	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}

	if c.PersistInterval <= 0 {
		c.PersistInterval = def.PersistInterval
	}

	if c.LogInterval <= 0 {
		c.LogInterval = def.LogInterval
	}

	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}

	return c
}

// Manager is an HTTP download service backed by a SQLite download table. It
// broadcasts a Completion on the bus whenever a download reaches a terminal
// state, unless the download was removed first.
type Manager struct {
	repo   storage.DownloadRepository
	bus    *events.Bus[update.Completion]
	client *http.Client
	cfg    Config
	tel    *telemetry.Telemetry

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	transfers map[update.DownloadID]*transfer
	closed    bool
}

// transfer is the live state of one in-flight download.
type transfer struct {
	id          update.DownloadID
	req         update.Request
	cancel      context.CancelFunc
	done        chan struct{}
	removed     atomic.Bool
	status      atomic.Int32
	reason      atomic.Pointer[string] // stored before the terminal status
	downloaded  atomic.Int64
	total       atomic.Int64
	lastUpdated atomic.Int64
}

func New(repo storage.DownloadRepository, bus *events.Bus[update.Completion], cfg Config, tel *telemetry.Telemetry) *Manager {
	cfg = cfg.withDefaults()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Manager{
		repo:      repo,
		bus:       bus,
		client:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		cfg:       cfg,
		tel:       tel,
		baseCtx:   baseCtx,
		cancelAll: cancel,
		transfers: make(map[update.DownloadID]*transfer),
	}
}

// Enqueue records the request and starts transferring it in the background.
func (m *Manager) Enqueue(ctx context.Context, req *update.Request) (update.DownloadID, error) {
	if req == nil || req.URL == "" || req.Destination == "" {
		return 0, errors.New("download request needs a url and a destination")
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return 0, ErrShutdown
	}

	rowID, err := m.repo.CreateDownload(ctx, &storage.DownloadRecord{
		URL:         req.URL,
		Destination: req.Destination,
		Title:       req.Title,
		Description: req.Description,
		MimeType:    req.MimeType,
		Status:      update.StatusPending.String(),
		BytesTotal:  update.UnknownSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record download: %w", err)
	}

	id := update.DownloadID(rowID)
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	tctx, cancel := context.WithCancel(logctx.WithLogger(m.baseCtx, logger))

	t := &transfer{
		id:     id,
		req:    *req,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.total.Store(update.UnknownSize)
	t.lastUpdated.Store(time.Now().UnixNano())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()

		if err := m.repo.DeleteDownload(context.WithoutCancel(ctx), rowID); err != nil {
			logger.WarnContext(ctx, "failed to drop download row", "err", err)
		}

		return 0, ErrShutdown
	}

	m.transfers[id] = t
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(tctx, t)

	logger.DebugContext(ctx, "download enqueued", "url", req.URL, "destination", req.Destination)

	return id, nil
}

// Query reports live counters for in-flight downloads and the stored row
// otherwise.
func (m *Manager) Query(ctx context.Context, id update.DownloadID) (*update.Record, error) {
	m.mu.Lock()
	t, ok := m.transfers[id]
	m.mu.Unlock()

	if ok {
		return t.record(), nil
	}

	row, err := m.repo.GetDownload(ctx, int64(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, update.ErrDownloadNotFound
		}

		return nil, fmt.Errorf("failed to load download %d: %w", id, err)
	}

	return recordFromRow(row), nil
}

// Remove cancels the download if it is still running, waits for its
// goroutine to exit and deletes its row. The transfer's temporary file is
// discarded; a completed destination file is left alone.
func (m *Manager) Remove(ctx context.Context, id update.DownloadID) error {
	m.mu.Lock()
	t, live := m.transfers[id]
	m.mu.Unlock()

	if live {
		t.removed.Store(true)
		t.cancel()

		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := m.repo.DeleteDownload(ctx, int64(id))

	switch {
	case err == nil:
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "download removed", "download_id", id)

		return nil
	case errors.Is(err, storage.ErrNotFound):
		if live {
			return nil
		}

		return update.ErrDownloadNotFound
	default:
		return fmt.Errorf("failed to delete download %d: %w", id, err)
	}
}

// Shutdown cancels every transfer and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("download manager shutdown: %w", ctx.Err())
	}
}

// Active returns the number of in-flight transfers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.transfers)
}

func (m *Manager) forget(id update.DownloadID) {
	m.mu.Lock()
	delete(m.transfers, id)
	m.mu.Unlock()
}

func (t *transfer) record() *update.Record {
	status := update.Status(t.status.Load())

	var reason string
	if r := t.reason.Load(); r != nil {
		reason = *r
	}

	return &update.Record{
		ID:              t.id,
		URL:             t.req.URL,
		Destination:     t.req.Destination,
		Status:          status,
		Reason:          reason,
		BytesDownloaded: t.downloaded.Load(),
		BytesTotal:      t.total.Load(),
		UpdatedAt:       time.Unix(0, t.lastUpdated.Load()),
	}
}

func recordFromRow(row *storage.DownloadRecord) *update.Record {
	status, err := update.ParseStatus(row.Status)
	if err != nil {
		status = update.StatusFailed
	}

	return &update.Record{
		ID:              update.DownloadID(row.ID),
		URL:             row.URL,
		Destination:     row.Destination,
		Status:          status,
		Reason:          row.Reason,
		BytesDownloaded: row.BytesDownloaded,
		BytesTotal:      row.BytesTotal,
		UpdatedAt:       row.UpdatedAt,
	}
}
