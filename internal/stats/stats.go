// Package stats folds decoded MAC records into per-run counters.
package stats

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/postalsys/opendq/internal/mac"
)

// ErrVariantMismatch is returned when a record of another variant is
// processed.
var ErrVariantMismatch = errors.New("stats: record variant mismatch")

// Aggregator accumulates records for one variant. Implementations are safe
// for concurrent use.
type Aggregator interface {
	Variant() mac.Variant
	Process(rec mac.Record) error
	Reset()
	Snapshot() Snapshot
}

// New returns the aggregator for variant.
func New(variant mac.Variant) (Aggregator, error) {
	switch variant {
	case mac.VariantFSA:
		return NewFSA(), nil
	case mac.VariantDQ:
		return NewDQ(), nil
	default:
		return nil, fmt.Errorf("%w: %q", mac.ErrUnknownVariant, variant)
	}
}

// Snapshot is a copy of aggregator state, detached from the aggregator.
type Snapshot struct {
	Variant mac.Variant `json:"variant"`
	Records uint64      `json:"records"`

	SuccessData map[string]uint64 `json:"success_data_packets"`
	ErrorData   uint64            `json:"error_data_packets"`
	EmptyData   uint64            `json:"empty_data_packets"`

	SuccessARP map[string]uint64 `json:"success_arp_packets,omitempty"`
	ErrorARP   uint64            `json:"error_arp_packets"`
	EmptyARP   uint64            `json:"empty_arp_packets"`

	CRQ []uint16 `json:"crq_global,omitempty"`
	DTQ []uint16 `json:"dtq_global,omitempty"`
}

// Totals summarizes a snapshot.
type Totals struct {
	SuccessData uint64 `json:"success_data"`
	ErrorData   uint64 `json:"error_data"`
	EmptyData   uint64 `json:"empty_data"`
	SuccessARP  uint64 `json:"success_arp"`
	ErrorARP    uint64 `json:"error_arp"`
	EmptyARP    uint64 `json:"empty_arp"`
	Nodes       int    `json:"nodes"`
}

// Totals sums the keyed success counters.
func (s Snapshot) Totals() Totals {
	t := Totals{
		ErrorData: s.ErrorData,
		EmptyData: s.EmptyData,
		ErrorARP:  s.ErrorARP,
		EmptyARP:  s.EmptyARP,
		Nodes:     len(s.SuccessData),
	}
	for _, n := range s.SuccessData {
		t.SuccessData += n
	}
	for _, n := range s.SuccessARP {
		t.SuccessARP += n
	}
	return t
}

// DataThroughput returns the share of data slots that carried a packet.
func (s Snapshot) DataThroughput() float64 {
	t := s.Totals()
	slots := t.SuccessData + t.ErrorData + t.EmptyData
	if slots == 0 {
		return 0
	}
	return float64(t.SuccessData) / float64(slots)
}

// SortedKeys returns the keys of a counter map in numeric order.
func SortedKeys(m map[string]uint64) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b string) int {
		ai, aerr := strconv.Atoi(a)
		bi, berr := strconv.Atoi(b)
		switch {
		case aerr == nil && berr == nil:
			return ai - bi
		case aerr == nil:
			return -1
		case berr == nil:
			return 1
		}
		return strings.Compare(a, b)
	})
	return keys
}

// dataCounters tallies data slot outcomes keyed by sender address.
type dataCounters struct {
	success map[string]uint64
	errors  uint64
	empty   uint64
}

func newDataCounters() dataCounters {
	return dataCounters{success: make(map[string]uint64)}
}

func (c *dataCounters) fold(state mac.DataState, address string) {
	switch state {
	case mac.DataSuccess:
		c.success[address]++
	case mac.DataError:
		c.errors++
	case mac.DataEmpty:
		c.empty++
	}
}

func (c *dataCounters) copyInto(s *Snapshot) {
	s.SuccessData = maps.Clone(c.success)
	s.ErrorData = c.errors
	s.EmptyData = c.empty
}
