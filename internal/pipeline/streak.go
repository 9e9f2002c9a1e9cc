package pipeline

import "sync"

type lotOutcome int

const (
	outcomeFound lotOutcome = iota
	outcomeNotFound
	outcomeFailed
	outcomeSkipped
)

// streak counts consecutive not-found lots in lot order, even when lots complete out of order.
// Failures neither extend nor reset the count; skipped lots exist and reset it.
type streak struct {
	mu      sync.Mutex
	limit   int
	next    int
	count   int
	pending map[int]lotOutcome
	stopped bool
	stopAt  int
}

func newStreak(first, limit int) *streak {
	return &streak{limit: limit, next: first, pending: make(map[int]lotOutcome)}
}

// record notes the outcome of lot n and reports whether the run should stop dispatching.
func (s *streak) record(n int, o lotOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[n] = o
	for {
		o, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		switch o {
		case outcomeFound, outcomeSkipped:
			s.count = 0
		case outcomeNotFound:
			s.count++
		}
		if s.limit > 0 && s.count >= s.limit && !s.stopped {
			s.stopped = true
			s.stopAt = s.next
		}
		s.next++
	}
	return s.stopped
}

func (s *streak) done() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, s.stopAt
}
