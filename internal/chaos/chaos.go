// Package chaos injects faults into mote ports for soak testing.
package chaos

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect closes the port.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to operations.
	FaultDelay
	// FaultError causes an operation to return an error.
	FaultError
	// FaultCorrupt flips one bit of the bytes transferred.
	FaultCorrupt
	// FaultDrop discards the bytes transferred.
	FaultDrop
)

var faultNames = map[FaultType]string{
	FaultDisconnect: "disconnect",
	FaultDelay:      "delay",
	FaultError:      "error",
	FaultCorrupt:    "corrupt",
	FaultDrop:       "drop",
}

func (t FaultType) String() string {
	if name, ok := faultNames[t]; ok {
		return name
	}
	return fmt.Sprintf("fault(%d)", int(t))
}

// ParseFaultType parses a fault name as used in configuration files.
func ParseFaultType(s string) (FaultType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range faultNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("chaos: unknown fault type %q", s)
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides when to inject faults.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.RWMutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(uint64(time.Now().UnixNano()), configs...)
}

// NewFaultInjectorWithSeed creates a fault injector with a fixed random
// sequence, for reproducible runs.
func NewFaultInjectorWithSeed(seed uint64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Roll checks the configured faults of the given types in order and returns
// the first one that fires.
func (f *FaultInjector) Roll(types ...FaultType) (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultConfig{}, false
	}
	for _, cfg := range f.configs {
		if !containsType(types, cfg.Type) {
			continue
		}
		if f.rng.Float64() < cfg.Probability {
			f.faultHits[cfg.Type]++
			return cfg, true
		}
	}
	return FaultConfig{}, false
}

func containsType(types []FaultType, t FaultType) bool {
	for _, tt := range types {
		if tt == t {
			return true
		}
	}
	return false
}

// MaybeDisconnect returns true if a disconnect fault should be injected.
func (f *FaultInjector) MaybeDisconnect() bool {
	_, ok := f.Roll(FaultDisconnect)
	return ok
}

// MaybeDelay returns a delay duration if a delay fault should be injected.
func (f *FaultInjector) MaybeDelay() time.Duration {
	cfg, ok := f.Roll(FaultDelay)
	if !ok {
		return 0
	}
	return f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
}

// MaybeError returns true if an error fault should be injected.
func (f *FaultInjector) MaybeError() bool {
	_, ok := f.Roll(FaultError)
	return ok
}

// MaybeCorrupt flips one random bit of b and reports whether it did.
func (f *FaultInjector) MaybeCorrupt(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if _, ok := f.Roll(FaultCorrupt); !ok {
		return false
	}
	f.mu.Lock()
	i := f.rng.IntN(len(b))
	bit := f.rng.IntN(8)
	f.mu.Unlock()
	b[i] ^= 1 << bit
	return true
}

// MaybeDrop returns true if the bytes of this operation should be discarded.
func (f *FaultInjector) MaybeDrop() bool {
	_, ok := f.Roll(FaultDrop)
	return ok
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return min + time.Duration(f.rng.Int64N(int64(max-min)))
}
