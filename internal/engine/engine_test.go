package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/metrics"
	"github.com/postalsys/opendq/internal/protocol"
	"github.com/postalsys/opendq/internal/router"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []router.Event
}

func (r *recorder) handle(ev router.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []router.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Event(nil), r.events...)
}

type harness struct {
	engine   *Engine
	router   *router.Router
	clock    *fakeClock
	metrics  *metrics.Metrics
	outbound *recorder
	states   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		router:   router.New(router.Config{}),
		clock:    newFakeClock(),
		metrics:  metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		outbound: &recorder{},
		states:   &recorder{},
	}
	h.router.Subscribe(router.TopicEngineOutbound, h.outbound.handle)
	h.router.Subscribe(router.TopicEngineState, h.states.handle)

	e, err := New(Config{
		Router:  h.router,
		Metrics: h.metrics,
		Clock:   h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func (h *harness) start(t *testing.T, variant mac.Variant) RunInfo {
	t.Helper()
	if err := h.engine.Configure(variant, 4, 1000); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	run, err := h.engine.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return run
}

func (h *harness) inbound(payload []byte) {
	h.router.Publish(router.TopicEngineInbound, "ttyUSB0", payload)
}

var fsaSuccess = []byte{0x03, 0x02, 0x10, 0x00, 0x80}

func dqPayload(states [4]byte, randoms [3]uint16) []byte {
	p := make([]byte, mac.DQRecordLen)
	copy(p, states[:])
	for i, r := range randoms {
		binary.LittleEndian.PutUint16(p[10+2*i:], r)
	}
	binary.LittleEndian.PutUint16(p[20:], 3)
	binary.LittleEndian.PutUint16(p[26:], 1)
	return p
}

func TestNew_RequiresRouter(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without router")
	}
}

func TestConfigure_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		variant mac.Variant
		nodes   int
		dur     int
		want    error
	}{
		{"unknown variant", "CSMA", 4, 100, ErrUnsupportedVariant},
		{"empty variant", "", 4, 100, ErrUnsupportedVariant},
		{"zero nodes", mac.VariantFSA, 0, 100, ErrInvalidSettings},
		{"too many nodes", mac.VariantFSA, 256, 100, ErrInvalidSettings},
		{"negative duration", mac.VariantDQ, 4, -1, ErrInvalidSettings},
		{"duration overflow", mac.VariantDQ, 4, 65536, ErrInvalidSettings},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := h.engine.Configure(tc.variant, tc.nodes, tc.dur)
			if !errors.Is(err, tc.want) {
				t.Errorf("Configure error = %v, want %v", err, tc.want)
			}
		})
	}

	if h.engine.State() != StateUnconfigured {
		t.Errorf("state = %s after rejected configuration", h.engine.State())
	}
	if err := h.engine.Configure(mac.VariantDQ, 255, 65535); err != nil {
		t.Errorf("boundary configuration rejected: %v", err)
	}
	if h.engine.State() != StateReady {
		t.Errorf("state = %s, want READY", h.engine.State())
	}
}

func TestConfigure_RejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	if err := h.engine.Configure(mac.VariantDQ, 9, 500); !errors.Is(err, ErrRunning) {
		t.Fatalf("Configure while running = %v, want ErrRunning", err)
	}
	s, _ := h.engine.Settings()
	if s.Variant != mac.VariantFSA || s.Nodes != 4 || s.DurationMs != 1000 {
		t.Errorf("settings changed mid-run: %+v", s)
	}
	if st := h.engine.Status(); st.Settings == nil || st.Settings.Variant != mac.VariantFSA {
		t.Errorf("Status().Settings = %+v, want the running FSA settings", st.Settings)
	}

	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.engine.Configure(mac.VariantDQ, 9, 500); err != nil {
		t.Errorf("Configure after stop = %v", err)
	}
}

func TestStart_NotConfigured(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Start error = %v, want ErrNotConfigured", err)
	}
	if len(h.outbound.all()) != 0 {
		t.Error("no command should be sent when not configured")
	}
}

func TestStart_SendsCommand(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Configure(mac.VariantDQ, 5, 1000); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	run, err := h.engine.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	out := h.outbound.all()
	if len(out) != 1 {
		t.Fatalf("got %d outbound events, want 1", len(out))
	}
	want := []byte{0x41, 0x00, 0x00, 0x02, 0x05, 0x03, 0xE8}
	if !bytes.Equal(out[0].Bytes(), want) {
		t.Errorf("START = % X, want % X", out[0].Bytes(), want)
	}
	if out[0].Source != Source {
		t.Errorf("source = %q", out[0].Source)
	}

	if run.ID == "" {
		t.Error("run has no ID")
	}
	if h.engine.State() != StateRunning {
		t.Errorf("state = %s, want RUNNING", h.engine.State())
	}
	if got := testutil.ToFloat64(h.metrics.RunsStarted.WithLabelValues("DQ")); got != 1 {
		t.Errorf("runs started = %v", got)
	}

	states := h.states.all()
	last := states[len(states)-1].Payload.(StateChange)
	if last.State != StateRunning || last.Previous != StateReady {
		t.Errorf("last state change = %s -> %s", last.Previous, last.State)
	}
}

func TestFSA_DataFlow(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, []byte{0x04, 0x01, 0x00, 0x00, 0x00}))

	snap, ok := h.engine.Snapshot()
	if !ok {
		t.Fatal("no snapshot during run")
	}
	if snap.SuccessData["16"] != 2 || len(snap.SuccessData) != 1 {
		t.Errorf("success_data = %v, want {16:2}", snap.SuccessData)
	}
	if snap.ErrorData != 1 || snap.EmptyData != 0 {
		t.Errorf("error=%d empty=%d, want 1/0", snap.ErrorData, snap.EmptyData)
	}

	run, _ := h.engine.Run()
	if run.DataFrames != 3 {
		t.Errorf("DataFrames = %d, want 3", run.DataFrames)
	}
	if got := testutil.ToFloat64(h.metrics.SlotOutcomes.WithLabelValues("FSA", "data", "SUCCESS")); got != 2 {
		t.Errorf("slot outcome metric = %v, want 2", got)
	}
}

func TestDQ_DataFlow(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantDQ)

	h.inbound(protocol.DataMessage(0x01, protocol.TagDQ, dqPayload([4]byte{2, 2, 2, 0}, [3]uint16{11, 22, 33})))

	snap, _ := h.engine.Snapshot()
	for _, k := range []string{"11", "22", "33"} {
		if snap.SuccessARP[k] != 1 {
			t.Errorf("success_arp[%s] = %d, want 1", k, snap.SuccessARP[k])
		}
	}
	if snap.EmptyData != 1 {
		t.Errorf("empty_data = %d, want 1", snap.EmptyData)
	}
	if len(snap.CRQ) != 1 || snap.CRQ[0] != 3 || snap.DTQ[0] != 1 {
		t.Errorf("queues = %v / %v", snap.CRQ, snap.DTQ)
	}
}

func TestResetBeforeData_ElapsedZero(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	h.clock.Advance(5 * time.Second)
	h.inbound(protocol.ResetMessage(0x01))

	if h.engine.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", h.engine.State())
	}
	if got := h.engine.ElapsedTime(); got != 0 {
		t.Errorf("elapsed = %v, want 0", got)
	}
}

func TestReset_ElapsedFromFirstData(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	h.clock.Advance(time.Second)
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	h.clock.Advance(1500 * time.Millisecond)
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	h.clock.Advance(500 * time.Millisecond)
	h.inbound(protocol.ResetMessage(0x01))

	if got := h.engine.ElapsedTime(); got != 2*time.Second {
		t.Errorf("elapsed = %v, want 2s", got)
	}

	run, _ := h.engine.Run()
	if run.ResetBy != "ttyUSB0" {
		t.Errorf("ResetBy = %q", run.ResetBy)
	}

	states := h.states.all()
	last := states[len(states)-1].Payload.(StateChange)
	if last.State != StateStopped || last.Run.Elapsed != 2*time.Second {
		t.Errorf("final state change = %+v", last)
	}

	// Results stay readable after the run ends.
	snap, ok := h.engine.Snapshot()
	if !ok || snap.SuccessData["16"] != 2 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
}

func TestFramesAfterStopIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)
	h.inbound(protocol.ResetMessage(0x01))

	err := h.engine.HandleFrame("ttyUSB0", protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("data after reset = %v, want ErrNotRunning", err)
	}
	snap, _ := h.engine.Snapshot()
	if len(snap.SuccessData) != 0 {
		t.Errorf("data after reset was counted: %v", snap.SuccessData)
	}
}

func TestDataBeforeStartIgnored(t *testing.T) {
	h := newHarness(t)
	err := h.engine.HandleFrame("ttyUSB0", protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
	if _, ok := h.engine.Snapshot(); ok {
		t.Error("no snapshot expected before the first run")
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	before, _ := h.engine.Snapshot()

	err := h.engine.HandleFrame("ttyUSB0", []byte{'X', 0x01, 0x00, 0x01, 0x03, 0x02, 0x10, 0x00, 0x80})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("error = %v, want ErrUnknownCommand", err)
	}

	after, _ := h.engine.Snapshot()
	if after.Records != before.Records || after.SuccessData["16"] != before.SuccessData["16"] {
		t.Errorf("aggregator changed: before %+v after %+v", before, after)
	}
	if h.engine.State() != StateRunning {
		t.Errorf("state = %s, want RUNNING", h.engine.State())
	}
	if got := testutil.ToFloat64(h.metrics.ProtocolErrors.WithLabelValues("X")); got != 1 {
		t.Errorf("protocol error metric = %v, want 1", got)
	}
}

func TestShortMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	err := h.engine.HandleFrame("ttyUSB0", []byte{'D', 0x01})
	if !errors.Is(err, protocol.ErrShortMessage) {
		t.Fatalf("error = %v, want ErrShortMessage", err)
	}
	run, _ := h.engine.Run()
	if run.ProtocolErrors != 1 {
		t.Errorf("ProtocolErrors = %d, want 1", run.ProtocolErrors)
	}
}

func TestDecodeErrorDropsFrame(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	err := h.engine.HandleFrame("ttyUSB0", protocol.DataMessage(0x01, protocol.TagFSA, []byte{0x01, 0x02}))
	if !errors.Is(err, mac.ErrPayloadLength) {
		t.Fatalf("error = %v, want ErrPayloadLength", err)
	}
	err = h.engine.HandleFrame("ttyUSB0", []byte{'D', 0x01, 0x00})
	if !errors.Is(err, mac.ErrPayloadLength) {
		t.Fatalf("missing tag error = %v, want ErrPayloadLength", err)
	}

	snap, _ := h.engine.Snapshot()
	if snap.Records != 0 {
		t.Errorf("records = %d, want 0", snap.Records)
	}
	run, _ := h.engine.Run()
	if run.DecodeErrors != 2 {
		t.Errorf("DecodeErrors = %d, want 2", run.DecodeErrors)
	}
	if got := testutil.ToFloat64(h.metrics.DecodeErrors.WithLabelValues("FSA")); got != 2 {
		t.Errorf("decode error metric = %v, want 2", got)
	}
}

func TestTagMismatchTolerated(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	if err := h.engine.HandleFrame("ttyUSB0", protocol.DataMessage(0x01, protocol.TagDQ, fsaSuccess)); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	snap, _ := h.engine.Snapshot()
	if snap.SuccessData["16"] != 1 {
		t.Errorf("record with mismatched tag not counted: %v", snap.SuccessData)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop before start = %v, want ErrNotRunning", err)
	}

	h.start(t, mac.VariantFSA)
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	out := h.outbound.all()
	if len(out) != 2 {
		t.Fatalf("got %d outbound events, want START and STOP", len(out))
	}
	want := []byte{0x4F, 0x00, 0x00, 0x01, 0x04, 0x03, 0xE8}
	if !bytes.Equal(out[1].Bytes(), want) {
		t.Errorf("STOP = % X, want % X", out[1].Bytes(), want)
	}
	if h.engine.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", h.engine.State())
	}
}

func TestResetStatistics(t *testing.T) {
	h := newHarness(t)
	h.engine.Reset() // no run yet, must not panic

	h.start(t, mac.VariantFSA)
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	h.engine.Reset()

	snap, _ := h.engine.Snapshot()
	if len(snap.SuccessData) != 0 || snap.Records != 0 {
		t.Errorf("snapshot after Reset = %+v", snap)
	}
	if h.engine.State() != StateRunning {
		t.Errorf("Reset must not end the run, state = %s", h.engine.State())
	}
}

func TestRestartGetsFreshAggregator(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, mac.VariantFSA)
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))
	h.inbound(protocol.ResetMessage(0x01))

	if err := h.engine.Configure(mac.VariantDQ, 2, 500); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	second, err := h.engine.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if first.ID == second.ID {
		t.Error("runs should have distinct IDs")
	}

	snap, _ := h.engine.Snapshot()
	if snap.Variant != mac.VariantDQ || snap.Records != 0 {
		t.Errorf("second run snapshot = %+v", snap)
	}
	if h.engine.ElapsedTime() != 0 {
		t.Error("elapsed time should reset on Start")
	}
}

func TestPublishesRecords(t *testing.T) {
	h := newHarness(t)
	records := &recorder{}
	h.router.Subscribe(router.TopicEngineRecord, records.handle)

	h.start(t, mac.VariantFSA)
	h.inbound(protocol.DataMessage(0x01, protocol.TagFSA, fsaSuccess))

	evs := records.all()
	if len(evs) != 1 {
		t.Fatalf("got %d record events, want 1", len(evs))
	}
	rec, ok := evs[0].Payload.(*mac.FSARecord)
	if !ok || rec.DataAddress != 16 {
		t.Errorf("record event payload = %#v", evs[0].Payload)
	}
}

// Two links publishing concurrently must produce the same counts as the
// same frames processed one link at a time.
func TestConcurrentLinks(t *testing.T) {
	h := newHarness(t)
	h.start(t, mac.VariantFSA)

	frameA := protocol.DataMessage(0x01, protocol.TagFSA, []byte{0x01, 0x02, 0x0A, 0x00, 0x90})
	frameB := protocol.DataMessage(0x02, protocol.TagFSA, []byte{0x02, 0x02, 0x0B, 0x00, 0x90})
	frameE := protocol.DataMessage(0x02, protocol.TagFSA, []byte{0x03, 0x01, 0x00, 0x00, 0x90})

	const perLink = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range perLink {
			h.router.Publish(router.TopicEngineInbound, "ttyUSB0", frameA)
		}
	}()
	go func() {
		defer wg.Done()
		for i := range perLink {
			if i%2 == 0 {
				h.router.Publish(router.TopicEngineInbound, "ttyUSB1", frameB)
			} else {
				h.router.Publish(router.TopicEngineInbound, "ttyUSB1", frameE)
			}
		}
	}()
	wg.Wait()

	snap, _ := h.engine.Snapshot()
	if snap.SuccessData["10"] != perLink {
		t.Errorf("success[10] = %d, want %d", snap.SuccessData["10"], perLink)
	}
	if snap.SuccessData["11"] != perLink/2 {
		t.Errorf("success[11] = %d, want %d", snap.SuccessData["11"], perLink/2)
	}
	if snap.ErrorData != perLink/2 {
		t.Errorf("errors = %d, want %d", snap.ErrorData, perLink/2)
	}
	run, _ := h.engine.Run()
	if run.DataFrames != 2*perLink {
		t.Errorf("DataFrames = %d, want %d", run.DataFrames, 2*perLink)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	st := h.engine.Status()
	if st.State != StateUnconfigured || st.Settings != nil || st.Run != nil {
		t.Errorf("initial status = %+v", st)
	}

	h.start(t, mac.VariantFSA)
	st = h.engine.Status()
	if st.Settings == nil || st.Settings.Variant != mac.VariantFSA || st.Run == nil {
		t.Errorf("running status = %+v", st)
	}
}

func TestStateText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("RUNNING")); err != nil || s != StateRunning {
		t.Errorf("UnmarshalText = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("BOGUS")); err == nil {
		t.Error("expected error for unknown state")
	}
}
