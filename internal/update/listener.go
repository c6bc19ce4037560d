package update

import (
	"context"
)

// listen registers the one-shot completion listener for s. Events for any
// other download id never reach the callback.
func (o *Orchestrator) listen(ctx context.Context, s *session) {
	sub := o.events.Subscribe(
		func(ev Completion) bool { return ev.ID == s.id },
		func(ev Completion) {
			status := ev.Status
			if status != StatusSucceeded {
				status = StatusFailed
			}

			o.finish(ctx, s, status, ev.Reason, nil, "listener")
		},
	)

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		sub.Unsubscribe()

		return
	}

	s.sub = sub
	s.mu.Unlock()
}
