package queryengine

import "sync/atomic"

// ShortCircuit lets one goroutine signal every other goroutine exploring the
// same query that a full match has already been found, so they can abandon
// their own branches at the next check. Ported 1:1 from the original
// short_circuit.rs.
type ShortCircuit struct {
	flag atomic.Bool
}

// NewShortCircuit returns an unset ShortCircuit.
func NewShortCircuit() *ShortCircuit {
	return &ShortCircuit{}
}

// Get reports whether the circuit has been tripped.
func (s *ShortCircuit) Get() bool {
	return s.flag.Load()
}

// Set trips the circuit. Idempotent.
func (s *ShortCircuit) Set() {
	s.flag.Store(true)
}
