package engine

import (
	"sync"

	"github.com/roach88/rostersync/internal/ir"
)

// task is one dispatched event. It may start once every channel in prev is
// closed; done is closed when it finishes.
type task struct {
	ev   ir.CanonicalEvent
	keys []string
	prev []chan struct{}
	done chan struct{}
}

// sequencer chains events that share a key. Each key maps to the done
// channel of the last admitted task holding it.
//
// Tasks are admitted in queue order and workers pick them up in the same
// order, so the earliest unfinished task always has a worker and the chains
// cannot deadlock.
type sequencer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{tails: make(map[string]chan struct{})}
}

func (s *sequencer) admit(ev ir.CanonicalEvent, keys []string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &task{ev: ev, keys: keys, done: make(chan struct{})}
	seen := make(map[chan struct{}]bool, len(keys))
	for _, k := range keys {
		if prev, ok := s.tails[k]; ok && !seen[prev] {
			seen[prev] = true
			t.prev = append(t.prev, prev)
		}
		s.tails[k] = t.done
	}
	return t
}

func (s *sequencer) release(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range t.keys {
		if s.tails[k] == t.done {
			delete(s.tails, k)
		}
	}
	close(t.done)
}

// pending returns the number of keys with an unfinished task.
func (s *sequencer) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
