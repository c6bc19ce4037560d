package update

import "sync"

// feed fans progress tuples out to subscribers. A full subscriber buffer
// drops its oldest tuple so the newest always gets through.
type feed struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Progress
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Progress)}
}

func (f *feed) subscribe(buffer int) (<-chan Progress, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Progress, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		close(ch)

		return ch, func() {}
	}

	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()

			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *feed) publish(p Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- p:
			continue
		default:
		}

		// Latest wins.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- p:
		default:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.closed = true

	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
