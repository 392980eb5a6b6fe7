package counts

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryOracle serves counters from memory. Each content ref has a queue of
// scripted samples; once the queue drains, the last sample repeats.
type MemoryOracle struct {
	mu       sync.Mutex
	samples  map[string][]Counts
	failNext int
	reads    int
}

// NewMemoryOracle returns an oracle with no content.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{samples: map[string][]Counts{}}
}

// Set replaces the samples for contentRef.
func (m *MemoryOracle) Set(contentRef string, samples ...Counts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[contentRef] = append([]Counts(nil), samples...)
}

// FailNext makes the next n reads fail.
func (m *MemoryOracle) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Reads returns the number of GetCounts calls served.
func (m *MemoryOracle) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MemoryOracle) GetCounts(_ context.Context, contentRef string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.failNext > 0 {
		m.failNext--
		return Counts{}, fmt.Errorf("%w: %v", ErrUnavailable, errors.New("injected failure"))
	}
	q := m.samples[contentRef]
	if len(q) == 0 {
		return Counts{}, nil
	}
	c := q[0]
	if len(q) > 1 {
		m.samples[contentRef] = q[1:]
	}
	return c, nil
}
