package link

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ReconnectConfig controls reopening of failed ports.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts  int // 0 means unlimited
}

// DefaultReconnectConfig returns the reconnect defaults. Reconnection is
// off: a failed link stays down until the operator restarts it.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:      false,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		MaxAttempts:  0,
	}
}

type retryState struct {
	attempts  int
	nextDelay time.Duration
	timer     *time.Timer
}

// Reconnector retries a callback per port with exponential backoff.
type Reconnector struct {
	cfg    ReconnectConfig
	reopen func(port string) error
	onGive func(port string, attempts int)

	mu     sync.Mutex
	states map[string]*retryState
	closed bool
}

// NewReconnector creates a reconnector calling reopen for each scheduled
// port until it succeeds or MaxAttempts is reached.
func NewReconnector(cfg ReconnectConfig, reopen func(port string) error) *Reconnector {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Reconnector{
		cfg:    cfg,
		reopen: reopen,
		states: make(map[string]*retryState),
	}
}

// OnGiveUp registers a callback for ports that exhausted their attempts.
func (r *Reconnector) OnGiveUp(fn func(port string, attempts int)) {
	r.mu.Lock()
	r.onGive = fn
	r.mu.Unlock()
}

// Schedule arranges a reopen attempt for port. A pending attempt is
// rescheduled.
func (r *Reconnector) Schedule(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	st, ok := r.states[port]
	if !ok {
		st = &retryState{nextDelay: r.cfg.InitialDelay}
		r.states[port] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(r.jitter(st.nextDelay), func() { r.attempt(port) })
}

func (r *Reconnector) attempt(port string) {
	r.mu.Lock()
	st, ok := r.states[port]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	st.attempts++
	st.nextDelay = min(time.Duration(float64(st.nextDelay)*r.cfg.Multiplier), r.cfg.MaxDelay)
	r.mu.Unlock()

	err := r.reopen(port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.states[port] != st {
		return
	}
	if err == nil {
		delete(r.states, port)
		return
	}
	if r.cfg.MaxAttempts > 0 && st.attempts >= r.cfg.MaxAttempts {
		delete(r.states, port)
		if r.onGive != nil {
			go r.onGive(port, st.attempts)
		}
		return
	}
	st.timer = time.AfterFunc(r.jitter(st.nextDelay), func() { r.attempt(port) })
}

func (r *Reconnector) jitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if out <= 0 {
		return d
	}
	return out
}

// Cancel drops any pending attempt for port.
func (r *Reconnector) Cancel(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[port]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.states, port)
	}
}

// Attempts returns the attempts made so far for a pending port.
func (r *Reconnector) Attempts(port string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[port]; ok {
		return st.attempts
	}
	return 0
}

// IsPending reports whether port has a scheduled attempt.
func (r *Reconnector) IsPending(port string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[port]
	return ok
}

// Stop cancels all pending attempts. Schedule is a no-op afterwards.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for port, st := range r.states {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.states, port)
	}
}
