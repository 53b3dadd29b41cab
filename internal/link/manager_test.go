package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/opendq/internal/hdlc"
	"github.com/postalsys/opendq/internal/router"
	"github.com/postalsys/opendq/internal/transport"
)

// pipeOpener hands out in-memory ports and keeps the mote ends.
type pipeOpener struct {
	mu    sync.Mutex
	motes map[string]*transport.PipePort
	fail  atomic.Int32
	opens atomic.Int32
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{motes: make(map[string]*transport.PipePort)}
}

func (o *pipeOpener) Open(_ context.Context, spec transport.Spec) (transport.Port, error) {
	o.opens.Add(1)
	if o.fail.Load() > 0 {
		o.fail.Add(-1)
		return nil, errors.New("no such device")
	}
	gw, mote := transport.Pipe(spec.Name, spec.ReadTimeout)
	o.mu.Lock()
	o.motes[spec.Name] = mote
	o.mu.Unlock()
	return gw, nil
}

func (o *pipeOpener) mote(name string) *transport.PipePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.motes[name]
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *pipeOpener, *router.Router) {
	t.Helper()
	opener := newPipeOpener()
	r := router.New(router.Config{})
	cfg.Router = r
	cfg.Opener = opener
	cfg.ReadTimeout = testReadTimeout
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, opener, r
}

func TestNewManager_RequiresRouter(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatal("expected error without router")
	}
}

func TestManager_PublishesInbound(t *testing.T) {
	m, opener, r := newTestManager(t, ManagerConfig{})

	var mu sync.Mutex
	var events []router.Event
	r.Subscribe(router.TopicLinkInbound, func(ev router.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})

	if _, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	opener.mote("/dev/ttyUSB0").Write(hdlc.Encode([]byte{0x52, 0x00, 0x00}))

	waitFor(t, "inbound event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if events[0].Source != "ttyUSB0" {
		t.Errorf("source = %q, want ttyUSB0", events[0].Source)
	}
	if !bytes.Equal(events[0].Bytes(), []byte{0x52, 0x00, 0x00}) {
		t.Errorf("payload = % X", events[0].Bytes())
	}
}

func TestManager_BroadcastsOutbound(t *testing.T) {
	m, opener, r := newTestManager(t, ManagerConfig{})

	for _, name := range []string{"/dev/ttyUSB0", "/dev/ttyUSB1"} {
		if _, err := m.Open(context.Background(), transport.Spec{Name: name}); err != nil {
			t.Fatalf("Open %s failed: %v", name, err)
		}
	}

	cmd := []byte{0x41, 0x00, 0x00, 0x01, 0x04, 0x03, 0xE8}
	if n := r.Publish(router.TopicLinkOutbound, "engine", cmd); n != 1 {
		t.Fatalf("Publish reached %d handlers, want 1", n)
	}

	for _, name := range []string{"/dev/ttyUSB0", "/dev/ttyUSB1"} {
		mote := opener.mote(name)
		var got []byte
		waitFor(t, "command on "+name, func() bool {
			got = append(got, mote.ReadAvailable()...)
			return len(got) >= len(hdlc.Encode(cmd))
		})
		if !bytes.Equal(got, hdlc.Encode(cmd)) {
			t.Errorf("%s received % X", name, got)
		}
	}
}

func TestManager_FailureIsolated(t *testing.T) {
	m, opener, r := newTestManager(t, ManagerConfig{})

	var count atomic.Int32
	r.Subscribe(router.TopicLinkInbound, func(router.Event) error {
		count.Add(1)
		return nil
	})

	bad, _ := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"})
	good, _ := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB1"})

	bad.Port().(*transport.PipePort).FailReads(errors.New("unplugged"))
	<-bad.Done()

	opener.mote("/dev/ttyUSB1").Write(hdlc.Encode([]byte{0x44, 0x00, 0x00, 0x01}))
	waitFor(t, "frame on healthy link", func() bool { return count.Load() == 1 })

	if good.Status() != StatusRunning {
		t.Errorf("healthy link status = %s", good.Status())
	}
	if m.Running() != 1 {
		t.Errorf("Running = %d, want 1", m.Running())
	}
	if err := m.Broadcast([]byte{0x4F}); err != nil {
		t.Errorf("Broadcast with a failed link returned %v", err)
	}
}

func TestManager_OpenError(t *testing.T) {
	m, opener, _ := newTestManager(t, ManagerConfig{})
	opener.fail.Store(1)

	if _, err := m.Open(context.Background(), transport.Spec{Name: "/dev/missing"}); err == nil {
		t.Fatal("expected open error")
	}
	if len(m.Links()) != 0 {
		t.Errorf("failed open left %d links", len(m.Links()))
	}
}

func TestManager_DuplicateAttach(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})

	if _, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"}); err == nil {
		t.Fatal("expected error attaching the same port twice")
	}
}

func TestManager_Reconnect(t *testing.T) {
	m, opener, _ := newTestManager(t, ManagerConfig{
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
	})

	l, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	opener.fail.Store(1)
	l.Port().(*transport.PipePort).FailReads(errors.New("unplugged"))

	waitFor(t, "reopened link", func() bool {
		cur, ok := m.Get("ttyUSB0")
		return ok && cur != l && cur.Status() == StatusRunning
	})
	if got := opener.opens.Load(); got < 3 {
		t.Errorf("opens = %d, want at least 3 (initial, failed retry, success)", got)
	}
}

func TestManager_CloseStopsLinks(t *testing.T) {
	m, _, r := newTestManager(t, ManagerConfig{})

	l, _ := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"})
	m.Close()

	select {
	case <-l.Done():
	default:
		t.Fatal("Close returned before link stopped")
	}
	if r.Subscribers(router.TopicLinkOutbound) != 0 {
		t.Error("Close should unsubscribe from outbound payloads")
	}
	if _, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB1"}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Open after Close = %v, want ErrManagerClosed", err)
	}
}

func TestManager_StopLinksKeepsManagerOpen(t *testing.T) {
	m, _, r := newTestManager(t, ManagerConfig{})

	l, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	m.StopLinks()

	select {
	case <-l.Done():
	default:
		t.Fatal("StopLinks returned before link stopped")
	}
	if n := len(m.Links()); n != 0 {
		t.Errorf("Links() = %d after StopLinks, want 0", n)
	}
	if r.Subscribers(router.TopicLinkOutbound) != 1 {
		t.Error("StopLinks should keep the outbound subscription")
	}
	if _, err := m.Open(context.Background(), transport.Spec{Name: "/dev/ttyUSB0"}); err != nil {
		t.Errorf("Open after StopLinks = %v", err)
	}
}

func TestLinkName(t *testing.T) {
	tests := map[string]string{
		"/dev/ttyUSB0":        "ttyUSB0",
		"COM3":                "COM3",
		`\\.\COM12`:           "COM12",
		"tcp://10.0.0.1:7000": "tcp://10.0.0.1:7000",
	}
	for in, want := range tests {
		if got := linkName(in); got != want {
			t.Errorf("linkName(%q) = %q, want %q", in, got, want)
		}
	}
}
