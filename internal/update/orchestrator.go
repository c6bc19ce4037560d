package update

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/app_updater/internal/cleanup"
	"github.com/italolelis/app_updater/internal/events"
	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/telemetry"
)

const (
	DefaultMimeType  = "application/vnd.android.package-archive"
	DefaultUserAgent = "app-updater/1.0"

	defaultPollInitialDelay = 200 * time.Millisecond
	defaultPollInterval     = 500 * time.Millisecond
	defaultSessionTimeout   = 30 * time.Minute
	defaultOutcomeBuffer    = 8
)

// Options configures an Orchestrator.
type Options struct {
	// TargetPath is the fixed location the artifact is downloaded to. It is
	// deleted at the start of every session.
	TargetPath string

	UserAgent string
	Title     string
	MimeType  string

	PollInitialDelay time.Duration
	PollInterval     time.Duration

	// SessionTimeout fails a session that never reaches a terminal state.
	// Zero disables it.
	SessionTimeout time.Duration

	OutcomeBuffer int
}

// DefaultOptions returns the options used in production for targetPath.
func DefaultOptions(targetPath string) Options {
	return Options{
		TargetPath:       targetPath,
		UserAgent:        DefaultUserAgent,
		Title:            "Application update",
		MimeType:         DefaultMimeType,
		PollInitialDelay: defaultPollInitialDelay,
		PollInterval:     defaultPollInterval,
		SessionTimeout:   defaultSessionTimeout,
		OutcomeBuffer:    defaultOutcomeBuffer,
	}
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}

	if o.MimeType == "" {
		o.MimeType = DefaultMimeType
	}

	if o.PollInitialDelay <= 0 {
		o.PollInitialDelay = defaultPollInitialDelay
	}

	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}

	if o.OutcomeBuffer <= 0 {
		o.OutcomeBuffer = defaultOutcomeBuffer
	}

	return o
}

type startOptions struct {
	version string
}

// StartOption customises a single Start call.
type StartOption func(*startOptions)

// WithVersion tags the session with the version being downloaded.
func WithVersion(version string) StartOption {
	return func(so *startOptions) {
		so.version = version
	}
}

// Orchestrator owns at most one update download at a time. It reconciles the
// progress poller and the completion listener, publishes progress and hands
// the finished artifact to the installer.
type Orchestrator struct {
	svc       DownloadService
	events    CompletionChannel
	installer *Installer
	opts      Options
	tel       *telemetry.Telemetry
	feed      *feed

	// startMu serialises Start, Cancel and Close. The terminal sequence
	// never takes it.
	startMu sync.Mutex
	active  atomic.Pointer[session]
	closed  bool

	outMu     sync.RWMutex
	outClosed bool

	OnUpdateReady  chan *Outcome
	OnUpdateFailed chan *Outcome
}

func NewOrchestrator(
	svc DownloadService,
	events CompletionChannel,
	installer *Installer,
	opts Options,
	tel *telemetry.Telemetry,
) *Orchestrator {
	opts = opts.withDefaults()

	return &Orchestrator{
		svc:            svc,
		events:         events,
		installer:      installer,
		opts:           opts,
		tel:            tel,
		feed:           newFeed(),
		OnUpdateReady:  make(chan *Outcome, opts.OutcomeBuffer),
		OnUpdateFailed: make(chan *Outcome, opts.OutcomeBuffer),
	}
}

// Start begins downloading rawURL, superseding any session in flight. It
// returns once the download service accepted the request.
func (o *Orchestrator) Start(ctx context.Context, rawURL string, opts ...StartOption) (DownloadID, error) {
	if err := validateURL(rawURL); err != nil {
		return 0, err
	}

	so := startOptions{}
	for _, opt := range opts {
		opt(&so)
	}

	logger := logctx.LoggerFromContext(ctx)

	o.startMu.Lock()
	defer o.startMu.Unlock()

	if o.closed {
		return 0, ErrClosed
	}

	if prev := o.active.Load(); prev != nil {
		logger.InfoContext(ctx, "superseding active update session", "download_id", prev.id)

		o.retire(ctx, prev, ReasonSuperseded)
	}

	if err := cleanup.RemoveArtifact(ctx, o.opts.TargetPath); err != nil {
		return 0, fmt.Errorf("failed to clear stale artifact: %w", err)
	}

	var id DownloadID

	err := o.tel.InstrumentOperation(ctx, "enqueue_update", "orchestrator", func(ctx context.Context) error {
		var err error

		id, err = o.svc.Enqueue(ctx, o.buildRequest(rawURL, so.version))

		return err
	})
	if err != nil {
		o.tel.RecordSessionFinished("enqueue_failed", 0)

		return 0, &EnqueueError{URL: rawURL, Err: err}
	}

	sessionLogger := logger.With("download_id", id)
	sctx, cancel := context.WithCancel(logctx.WithLogger(context.WithoutCancel(ctx), sessionLogger))

	s := newSession(id, rawURL, so.version, o.opts.TargetPath, sessionLogger, cancel)
	o.active.Store(s)
	o.tel.RecordSessionStarted()
	o.tel.IncrementActiveSessions()

	go o.poll(sctx, s)
	o.listen(sctx, s)

	sessionLogger.InfoContext(ctx, "update download started", "url", rawURL, "version", so.version, "target", o.opts.TargetPath)

	return id, nil
}

// Cancel stops the active session, publishes a FAILED tuple for it and
// removes its download from the service.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	s := o.active.Load()
	if s == nil {
		return ErrNoActiveSession
	}

	o.finish(ctx, s, StatusFailed, ReasonCancelled, nil, "cancel")
	o.retire(ctx, s, ReasonCancelled)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "update session cancelled", "download_id", s.id)

	return nil
}

// Subscribe returns a progress stream and a function that ends the
// subscription. The stream is closed when the subscription ends or the
// orchestrator is closed.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Progress, func()) {
	return o.feed.subscribe(buffer)
}

// Active returns a snapshot of the session in flight, if any.
func (o *Orchestrator) Active() (SessionInfo, bool) {
	s := o.active.Load()
	if s == nil {
		return SessionInfo{}, false
	}

	return s.info(), true
}

// Close retires the active session and closes every stream and channel.
func (o *Orchestrator) Close(ctx context.Context) {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if o.closed {
		return
	}

	o.closed = true

	if s := o.active.Load(); s != nil {
		o.retire(ctx, s, ReasonClosed)
	}

	o.feed.close()

	o.outMu.Lock()
	o.outClosed = true
	close(o.OnUpdateReady)
	close(o.OnUpdateFailed)
	o.outMu.Unlock()
}

// finish runs the terminal sequence for s at most once and reports whether
// this call ran it.
func (o *Orchestrator) finish(ctx context.Context, s *session, status Status, reason string, rec *Record, trigger string) bool {
	if !s.terminated.CompareAndSwap(false, true) {
		return false
	}

	ctx = logctx.WithLogger(context.WithoutCancel(ctx), s.logger)
	logger := s.logger.With("trigger", trigger)

	var sub *events.Subscription
	defer func() {
		sub.Unsubscribe()
	}()

	// Stop the poller. A tick already in flight finds the session retired
	// below and publishes nothing.
	s.cancel()

	if rec == nil {
		if r, err := o.svc.Query(ctx, s.id); err == nil {
			rec = r
		}
	}

	s.mu.Lock()
	if s.retired {
		sub = s.detachSubscription()
		s.mu.Unlock()

		return false
	}

	s.retired = true
	s.observe(rec)
	s.status = status
	final := s.finalProgress(status, reason)
	sub = s.detachSubscription()
	o.feed.publish(final)
	s.mu.Unlock()

	sub.Unsubscribe()

	outcome := &Outcome{
		DownloadID:   s.id,
		Version:      s.version,
		Status:       status,
		ArtifactPath: s.targetPath,
		Duration:     time.Since(s.startedAt),
	}

	if status == StatusSucceeded {
		logger.InfoContext(ctx, "update download completed", "bytes", final.Total)

		outcome.Err = o.install(ctx, s)
	} else {
		logger.WarnContext(ctx, "update download failed", "reason", reason)

		outcome.Err = &DownloadFailedError{ID: s.id, Reason: reason}
	}

	o.release(s)
	o.tel.RecordSessionFinished(status.String(), outcome.Duration)
	o.emit(ctx, outcome)

	return true
}

func (o *Orchestrator) install(ctx context.Context, s *session) error {
	logger := logctx.LoggerFromContext(ctx)

	if o.installer == nil {
		logger.WarnContext(ctx, "no installer configured, skipping install handoff")

		return nil
	}

	err := o.installer.Install(ctx, s.targetPath)
	if err == nil {
		o.tel.RecordInstallHandoff("success")

		return nil
	}

	var missing *ArtifactMissingError
	if errors.As(err, &missing) {
		o.tel.RecordInstallHandoff(ReasonArtifactMissing)
		logger.ErrorContext(ctx, "artifact missing, install skipped", "err", err)

		return err
	}

	o.tel.RecordInstallHandoff("error")
	logger.ErrorContext(ctx, "install handoff failed", "err", err)

	return err
}

// retire stops every background activity of s and waits for the poller to
// exit. A session that did not finish yet gets its FAILED tuple with reason
// before anything else can be published. It must not be called from the
// poller goroutine.
func (o *Orchestrator) retire(ctx context.Context, s *session, reason string) {
	s.terminated.Store(true)

	s.mu.Lock()
	if !s.retired {
		s.retired = true
		s.status = StatusFailed
		o.feed.publish(s.finalProgress(StatusFailed, reason))
		o.tel.RecordSessionFinished(reason, time.Since(s.startedAt))
	}

	sub := s.detachSubscription()
	s.mu.Unlock()

	s.cancel()
	sub.Unsubscribe()
	<-s.done

	if err := o.svc.Remove(ctx, s.id); err != nil && !errors.Is(err, ErrDownloadNotFound) {
		s.logger.ErrorContext(ctx, "failed to remove retired download", "err", err)
	}

	o.release(s)
}

func (o *Orchestrator) release(s *session) {
	s.releaseOnce.Do(o.tel.DecrementActiveSessions)
	o.active.CompareAndSwap(s, nil)
}

func (o *Orchestrator) emit(ctx context.Context, out *Outcome) {
	o.outMu.RLock()
	defer o.outMu.RUnlock()

	if o.outClosed {
		return
	}

	ch := o.OnUpdateReady
	if out.Err != nil {
		ch = o.OnUpdateFailed
	}

	select {
	case ch <- out:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "outcome dropped, no receiver", "download_id", out.DownloadID)
	}
}

func (o *Orchestrator) buildRequest(rawURL, version string) *Request {
	description := "Downloading update"
	if version != "" {
		description = "Downloading version " + version
	}

	return &Request{
		URL:         rawURL,
		Destination: o.opts.TargetPath,
		Headers: map[string]string{
			"User-Agent":    o.opts.UserAgent,
			"Cache-Control": "no-cache",
			"Pragma":        "no-cache",
		},
		Title:       o.opts.Title,
		Description: description,
		MimeType:    o.opts.MimeType,
		Network: NetworkPolicy{
			AllowMetered: true,
			AllowRoaming: true,
		},
	}
}

func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return &InvalidArgumentError{Field: "url", Reason: "URL is required"}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &InvalidArgumentError{Field: "url", Reason: err.Error()}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &InvalidArgumentError{Field: "url", Reason: "scheme must be http or https"}
	}

	if u.Host == "" {
		return &InvalidArgumentError{Field: "url", Reason: "host is required"}
	}

	return nil
}
