package engine

import (
	"fmt"
	"time"

	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/protocol"
)

// State is the engine lifecycle state.
type State int

const (
	StateUnconfigured State = iota
	StateReady
	StateRunning
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "UNCONFIGURED"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state for JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state label.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateUnconfigured, StateReady, StateRunning, StateStopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("engine: unknown state %q", b)
}

// Settings are the parameters of an experiment run.
type Settings struct {
	Variant    mac.Variant `json:"mac"`
	Nodes      int         `json:"nodes"`
	DurationMs int         `json:"duration_ms"`
}

// Validate checks that the settings fit the START command.
func (s Settings) Validate() error {
	if !s.Variant.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedVariant, s.Variant)
	}
	if s.Nodes < MinNodes || s.Nodes > MaxNodes {
		return fmt.Errorf("%w: node count %d outside %d..%d", ErrInvalidSettings, s.Nodes, MinNodes, MaxNodes)
	}
	if s.DurationMs < 0 || s.DurationMs > protocol.MaxDuration {
		return fmt.Errorf("%w: duration %dms outside 0..%d", ErrInvalidSettings, s.DurationMs, protocol.MaxDuration)
	}
	return nil
}

// Duration returns the experiment duration.
func (s Settings) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// RunInfo describes one experiment run.
type RunInfo struct {
	ID        string    `json:"id"`
	Settings  Settings  `json:"settings"`
	StartedAt time.Time `json:"started_at"`

	// FirstData is set by the first data frame of the run.
	FirstData time.Time `json:"first_data,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`

	// Elapsed is StoppedAt minus FirstData, or zero without data.
	Elapsed time.Duration `json:"elapsed"`

	// ResetBy names the link whose RESET ended the run.
	ResetBy string `json:"reset_by,omitempty"`

	DataFrames     uint64 `json:"data_frames"`
	DecodeErrors   uint64 `json:"decode_errors"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	IgnoredFrames  uint64 `json:"ignored_frames"`
}

// StateChange is published on router.TopicEngineState.
type StateChange struct {
	State    State   `json:"state"`
	Previous State   `json:"previous"`
	Run      RunInfo `json:"run"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	State    State     `json:"state"`
	Settings *Settings `json:"settings,omitempty"`
	Run      *RunInfo  `json:"run,omitempty"`
}
