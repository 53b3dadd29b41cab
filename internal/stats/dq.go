package stats

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/postalsys/opendq/internal/mac"
)

// DQ counts access request and data slot outcomes of distributed queuing
// runs and records the global queue lengths of every frame.
type DQ struct {
	mu         sync.RWMutex
	data       dataCounters
	arpSuccess map[string]uint64
	arpErrors  uint64
	arpEmpty   uint64
	crq        []uint16
	dtq        []uint16
	records    uint64
}

// NewDQ creates an empty DQ aggregator.
func NewDQ() *DQ {
	return &DQ{
		data:       newDataCounters(),
		arpSuccess: make(map[string]uint64),
	}
}

func (a *DQ) Variant() mac.Variant { return mac.VariantDQ }

// Process folds one DQ record: each of the three ARP slots, the data slot,
// and the CRQ/DTQ lengths.
func (a *DQ) Process(rec mac.Record) error {
	r, ok := rec.(*mac.DQRecord)
	if !ok {
		return fmt.Errorf("%w: DQ aggregator got %s", ErrVariantMismatch, rec.Variant())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records++
	for _, slot := range r.ARP {
		switch slot.State {
		case mac.ARPSuccess:
			a.arpSuccess[slot.Key()]++
		case mac.ARPCollision:
			a.arpErrors++
		case mac.ARPEmpty:
			a.arpEmpty++
		}
	}
	a.data.fold(r.DataState, r.AddressKey())
	a.crq = append(a.crq, r.CRQ)
	a.dtq = append(a.dtq, r.DTQ)
	return nil
}

// Reset clears all counters and queue series.
func (a *DQ) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data = newDataCounters()
	a.arpSuccess = make(map[string]uint64)
	a.arpErrors = 0
	a.arpEmpty = 0
	a.crq = nil
	a.dtq = nil
	a.records = 0
}

// Snapshot returns a copy of the counters and series.
func (a *DQ) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Variant:    mac.VariantDQ,
		Records:    a.records,
		SuccessARP: maps.Clone(a.arpSuccess),
		ErrorARP:   a.arpErrors,
		EmptyARP:   a.arpEmpty,
		CRQ:        slices.Clone(a.crq),
		DTQ:        slices.Clone(a.dtq),
	}
	a.data.copyInto(&s)
	return s
}
