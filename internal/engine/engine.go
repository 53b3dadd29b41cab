// Package engine drives experiment runs: it issues START and STOP commands,
// interprets inbound mote messages and feeds data records to the active
// statistics aggregator.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/metrics"
	"github.com/postalsys/opendq/internal/protocol"
	"github.com/postalsys/opendq/internal/router"
	"github.com/postalsys/opendq/internal/stats"
)

// Source is the router source name of events published by the engine.
const Source = "engine"

// Node count bounds accepted by Configure.
const (
	MinNodes = 1
	MaxNodes = 255
)

var (
	// ErrNotConfigured is returned by Start before Configure succeeded.
	ErrNotConfigured = errors.New("engine: not configured")

	// ErrUnsupportedVariant is returned for MAC variants with no decoder.
	ErrUnsupportedVariant = errors.New("engine: unsupported MAC variant")

	// ErrInvalidSettings is returned for out-of-range node counts or durations.
	ErrInvalidSettings = errors.New("engine: invalid settings")

	// ErrRunning is returned by Configure while an experiment is running.
	ErrRunning = errors.New("engine: experiment running")

	// ErrNotRunning is returned for operations that need a running experiment.
	ErrNotRunning = errors.New("engine: no experiment running")

	// ErrUnknownCommand is returned for inbound messages with an unknown command.
	ErrUnknownCommand = errors.New("engine: unknown command")
)

// Config holds engine dependencies.
type Config struct {
	Router  *router.Router
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RSSI converts raw RSSI bytes. Defaults to mac.TwosComplement.
	RSSI mac.RSSITransform

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Engine is the protocol engine. It is safe for concurrent use; inbound
// frames from several links may be handled at once.
type Engine struct {
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	rssi    mac.RSSITransform
	now     func() time.Time
	sub     *router.Subscription

	mu         sync.Mutex
	settings   Settings
	configured bool
	state      State
	decoder    mac.Decoder
	agg        stats.Aggregator
	run        RunInfo
}

// New creates an engine subscribed to router.TopicEngineInbound.
func New(cfg Config) (*Engine, error) {
	if cfg.Router == nil {
		return nil, errors.New("engine: router is required")
	}
	e := &Engine{
		router:  cfg.Router,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, "engine"),
		metrics: cfg.Metrics,
		rssi:    cfg.RSSI,
		now:     cfg.Clock,
		state:   StateUnconfigured,
	}
	if e.rssi == nil {
		e.rssi = mac.TwosComplement()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.sub = cfg.Router.Subscribe(router.TopicEngineInbound, func(ev router.Event) error {
		payload := ev.Bytes()
		if payload == nil {
			return fmt.Errorf("engine: inbound payload is %T, want []byte", ev.Payload)
		}
		// Errors are logged and counted by HandleFrame.
		_ = e.HandleFrame(ev.Source, payload)
		return nil
	})
	return e, nil
}

// Close detaches the engine from the router.
func (e *Engine) Close() {
	e.sub.Unsubscribe()
}

// Configure sets the parameters of the next run. It fails with ErrRunning
// while a run is in progress.
func (e *Engine) Configure(variant mac.Variant, nodes, durationMs int) error {
	s := Settings{Variant: variant, Nodes: nodes, DurationMs: durationMs}
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return ErrRunning
	}
	e.settings = s
	e.configured = true
	prev := e.state
	if e.state == StateUnconfigured {
		e.state = StateReady
	}
	change := e.changeLocked(prev)
	e.mu.Unlock()

	e.logger.Info("experiment configured",
		logging.KeyVariant, s.Variant,
		"nodes", s.Nodes,
		logging.KeyDuration, s.Duration())
	if change.State != change.Previous {
		e.publishState(change)
	}
	return nil
}

// Settings returns the configured parameters.
func (e *Engine) Settings() (Settings, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings, e.configured
}

// Start begins a run: it installs a fresh decoder and aggregator for the
// configured variant and sends the START command to the gateway.
func (e *Engine) Start() (RunInfo, error) {
	e.mu.Lock()
	if !e.configured {
		e.mu.Unlock()
		return RunInfo{}, ErrNotConfigured
	}
	s := e.settings

	dec, err := mac.NewDecoder(s.Variant, e.rssi)
	if err != nil {
		e.mu.Unlock()
		return RunInfo{}, fmt.Errorf("%w: %v", ErrUnsupportedVariant, err)
	}
	agg, err := stats.New(s.Variant)
	if err != nil {
		e.mu.Unlock()
		return RunInfo{}, fmt.Errorf("%w: %v", ErrUnsupportedVariant, err)
	}

	prev := e.state
	e.decoder = dec
	e.agg = agg
	e.run = RunInfo{
		ID:        xid.New().String(),
		Settings:  s,
		StartedAt: e.now(),
	}
	e.state = StateRunning
	run := e.run
	change := e.changeLocked(prev)
	e.mu.Unlock()

	cmd := protocol.StartCommand(s.Variant.Tag(), uint8(s.Nodes), uint16(s.DurationMs))
	if n := e.router.Publish(router.TopicEngineOutbound, Source, cmd); n == 0 {
		e.logger.Warn("START command has no outbound route", logging.KeyRunID, run.ID)
	}

	e.metrics.RecordRunStarted(string(s.Variant))
	e.logger.Info("experiment started",
		logging.KeyRunID, run.ID,
		logging.KeyVariant, s.Variant,
		"nodes", s.Nodes,
		logging.KeyDuration, s.Duration())
	e.publishState(change)
	return run, nil
}

// Stop sends the STOP command and ends the running experiment. Frames
// arriving afterwards are ignored.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	s := e.run.Settings
	e.finishLocked(e.now(), "")
	run := e.run
	change := e.changeLocked(StateRunning)
	e.mu.Unlock()

	cmd := protocol.StopCommand(s.Variant.Tag(), uint8(s.Nodes), uint16(s.DurationMs))
	e.router.Publish(router.TopicEngineOutbound, Source, cmd)

	e.logger.Info("experiment stopped",
		logging.KeyRunID, run.ID,
		logging.KeyDuration, run.Elapsed)
	e.publishState(change)
	return nil
}

// Reset clears the statistics of the current run. The run itself keeps
// going.
func (e *Engine) Reset() {
	e.mu.Lock()
	agg := e.agg
	runID := e.run.ID
	e.mu.Unlock()

	if agg != nil {
		agg.Reset()
		e.logger.Info("statistics reset", logging.KeyRunID, runID)
	}
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ElapsedTime returns the time between the first data frame and the end of
// the run. It is zero until the run ends or when no data frame arrived.
func (e *Engine) ElapsedTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Elapsed
}

// Run returns the current or last run.
func (e *Engine) Run() (RunInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run, e.run.ID != ""
}

// Snapshot returns the statistics of the current or last run.
func (e *Engine) Snapshot() (stats.Snapshot, bool) {
	e.mu.Lock()
	agg := e.agg
	e.mu.Unlock()

	if agg == nil {
		return stats.Snapshot{}, false
	}
	return agg.Snapshot(), true
}

// Status returns the engine state with settings and run details.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{State: e.state}
	if e.configured {
		s := e.settings
		st.Settings = &s
	}
	if e.run.ID != "" {
		r := e.run
		st.Run = &r
	}
	return st
}

// HandleFrame interprets one inbound payload received from source. Errors
// are logged and counted before being returned.
func (e *Engine) HandleFrame(source string, payload []byte) error {
	now := e.now()

	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		e.protocolError(source, "short", err)
		return err
	}

	switch msg.Command {
	case protocol.CmdData:
		return e.handleData(source, msg, now)
	case protocol.CmdReset:
		return e.handleReset(source, now)
	default:
		err := fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, msg.Command)
		e.protocolError(source, metrics.CommandLabel(msg.Command), err)
		return err
	}
}

func (e *Engine) handleData(source string, msg protocol.Message, now time.Time) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.run.IgnoredFrames++
		e.mu.Unlock()
		e.logger.Debug("ignoring data frame outside a run", logging.KeyLink, source)
		return ErrNotRunning
	}
	if e.run.FirstData.IsZero() {
		e.run.FirstData = now
	}
	runID := e.run.ID
	variant := e.run.Settings.Variant
	dec, agg := e.decoder, e.agg
	e.mu.Unlock()

	tag, ok := msg.Tag()
	if !ok {
		err := fmt.Errorf("%w: data message without MAC tag", mac.ErrPayloadLength)
		e.decodeError(runID, source, variant, err)
		return err
	}
	if tag != variant.Tag() {
		e.logger.Debug("MAC tag does not match configured variant",
			logging.KeyLink, source,
			logging.KeyVariant, variant,
			"tag", protocol.TagName(tag))
	}

	rec, err := dec.Decode(now, msg.Record())
	if err != nil {
		e.decodeError(runID, source, variant, err)
		return err
	}
	if err := agg.Process(rec); err != nil {
		e.decodeError(runID, source, variant, err)
		return err
	}

	e.observe(rec)
	e.mu.Lock()
	if e.run.ID == runID {
		e.run.DataFrames++
	}
	e.mu.Unlock()

	e.router.Publish(router.TopicEngineRecord, source, rec)
	return nil
}

func (e *Engine) handleReset(source string, now time.Time) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.run.IgnoredFrames++
		e.mu.Unlock()
		e.logger.Debug("ignoring reset outside a run", logging.KeyLink, source)
		return ErrNotRunning
	}
	e.finishLocked(now, source)
	run := e.run
	change := e.changeLocked(StateRunning)
	e.mu.Unlock()

	if !run.FirstData.IsZero() {
		e.metrics.RecordRunFinished(run.Elapsed.Seconds())
	}
	e.logger.Info("experiment finished",
		logging.KeyRunID, run.ID,
		logging.KeyLink, source,
		logging.KeyDuration, run.Elapsed,
		"data_frames", run.DataFrames)
	e.publishState(change)
	return nil
}

// finishLocked records the end of the run. e.mu must be held.
func (e *Engine) finishLocked(now time.Time, source string) {
	e.run.StoppedAt = now
	if !e.run.FirstData.IsZero() {
		e.run.Elapsed = now.Sub(e.run.FirstData)
	}
	e.run.ResetBy = source
	e.state = StateStopped
}

func (e *Engine) changeLocked(prev State) StateChange {
	return StateChange{State: e.state, Previous: prev, Run: e.run}
}

func (e *Engine) publishState(change StateChange) {
	e.logger.Debug("state changed",
		logging.KeyState, change.State,
		"previous", change.Previous,
		logging.KeyRunID, change.Run.ID)
	e.router.Publish(router.TopicEngineState, Source, change)
}

func (e *Engine) observe(rec mac.Record) {
	variant := string(rec.Variant())
	e.metrics.RecordDataFrame(variant)

	switch r := rec.(type) {
	case *mac.FSARecord:
		e.metrics.RecordSlotOutcome(variant, "data", r.DataState.String())
	case *mac.DQRecord:
		for i, slot := range r.ARP {
			e.metrics.RecordSlotOutcome(variant, "arp"+strconv.Itoa(i+1), slot.State.String())
		}
		e.metrics.RecordSlotOutcome(variant, "data", r.DataState.String())
	}
}

func (e *Engine) decodeError(runID, source string, variant mac.Variant, err error) {
	e.metrics.RecordDecodeError(string(variant))
	e.mu.Lock()
	if e.run.ID == runID {
		e.run.DecodeErrors++
	}
	e.mu.Unlock()
	e.logger.Debug("dropping undecodable record",
		logging.KeyLink, source,
		logging.KeyVariant, variant,
		logging.KeyError, err)
}

func (e *Engine) protocolError(source, label string, err error) {
	e.metrics.RecordProtocolError(label)
	e.mu.Lock()
	e.run.ProtocolErrors++
	e.mu.Unlock()
	e.logger.Warn("ignoring inbound message",
		logging.KeyLink, source,
		logging.KeyError, err)
}
