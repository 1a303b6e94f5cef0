package attempt

import (
	"sync"

	"github.com/google/uuid"
)

// CorrelationSource hands out correlation ids that are unique for the
// lifetime of the source. It is safe for concurrent use.
type CorrelationSource struct {
	mu   sync.Mutex
	seen map[string]struct{}
	gen  func() string
}

// NewCorrelationSource returns a source backed by random UUIDs.
func NewCorrelationSource() *CorrelationSource {
	return &CorrelationSource{
		seen: make(map[string]struct{}),
		gen:  uuid.NewString,
	}
}

// Next returns an id never returned before by this source.
func (s *CorrelationSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := s.gen()
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		return id
	}
}

// Issued returns how many ids have been handed out.
func (s *CorrelationSource) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
