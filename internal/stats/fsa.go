package stats

import (
	"fmt"
	"sync"

	"github.com/postalsys/opendq/internal/mac"
)

// FSA counts data slot outcomes of frame slotted ALOHA runs.
type FSA struct {
	mu      sync.RWMutex
	data    dataCounters
	records uint64
}

// NewFSA creates an empty FSA aggregator.
func NewFSA() *FSA {
	return &FSA{data: newDataCounters()}
}

func (a *FSA) Variant() mac.Variant { return mac.VariantFSA }

// Process folds one FSA record. SUCCESS is counted per data address;
// UNDEFINED states are counted as records but change no outcome counter.
func (a *FSA) Process(rec mac.Record) error {
	r, ok := rec.(*mac.FSARecord)
	if !ok {
		return fmt.Errorf("%w: FSA aggregator got %s", ErrVariantMismatch, rec.Variant())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records++
	a.data.fold(r.DataState, r.AddressKey())
	return nil
}

// Reset clears all counters.
func (a *FSA) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data = newDataCounters()
	a.records = 0
}

// Snapshot returns a copy of the counters.
func (a *FSA) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{Variant: mac.VariantFSA, Records: a.records}
	a.data.copyInto(&s)
	return s
}
