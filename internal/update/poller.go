package update

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/italolelis/app_updater/internal/logctx"
)

// poll runs the progress poller for s until its context is cancelled. It
// owns s.done.
func (o *Orchestrator) poll(ctx context.Context, s *session) {
	defer close(s.done)

	logger := logctx.LoggerFromContext(ctx)

	timer := time.NewTimer(o.opts.PollInitialDelay)
	defer timer.Stop()

	var timeout <-chan time.Time

	if o.opts.SessionTimeout > 0 {
		t := time.NewTimer(o.opts.SessionTimeout)
		defer t.Stop()

		timeout = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "progress poller stopped")

			return
		case <-timeout:
			o.expire(ctx, s)

			return
		case <-timer.C:
			o.tick(ctx, s)

			timer.Reset(o.opts.PollInterval)
		}
	}
}

// tick queries the download service once. A tick never fails the poller:
// lookups that miss are ignored and errors or panics are logged.
func (o *Orchestrator) tick(ctx context.Context, s *session) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "progress poller panic",
				"operation", "poll_tick",
				"panic", r,
				"stack", string(debug.Stack()))
			o.tel.RecordPollTick("panic")
		}
	}()

	rec, err := o.svc.Query(ctx, s.id)
	if err != nil {
		if errors.Is(err, ErrDownloadNotFound) {
			o.tel.RecordPollTick("not_found")

			return
		}

		if ctx.Err() == nil {
			logger.DebugContext(ctx, "failed to query download", "err", err)
		}

		o.tel.RecordPollTick("error")

		return
	}

	o.tel.RecordPollTick("ok")

	if rec.Status.IsTerminal() {
		o.finish(ctx, s, rec.Status, rec.Reason, rec, "poller")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return
	}

	s.observe(rec)
	o.feed.publish(s.progress())
}

// expire fails a session that produced no terminal signal in time and
// removes its download from the service.
func (o *Orchestrator) expire(ctx context.Context, s *session) {
	logger := logctx.LoggerFromContext(ctx)

	if !o.finish(ctx, s, StatusFailed, ReasonTimeout, nil, "timeout") {
		return
	}

	logger.WarnContext(ctx, "update session timed out", "timeout", o.opts.SessionTimeout.String())

	if err := o.svc.Remove(context.WithoutCancel(ctx), s.id); err != nil && !errors.Is(err, ErrDownloadNotFound) {
		logger.ErrorContext(ctx, "failed to remove timed out download", "err", err)
	}
}
