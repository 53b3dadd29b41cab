package chaos

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/opendq/internal/transport"
)

func TestFaultInjector_Basic(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 1.0, // Always inject
	})

	if !injector.MaybeDisconnect() {
		t.Error("expected disconnect fault to be injected")
	}

	stats := injector.GetStats()
	if stats[FaultDisconnect] < 1 {
		t.Error("expected at least 1 disconnect fault hit")
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}
	if injector.MaybeDisconnect() {
		t.Error("expected no fault when disabled")
	}

	injector.Enable()
	if !injector.MaybeDisconnect() {
		t.Error("expected fault after Enable")
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	// 0% probability - should never inject
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if injector.MaybeDisconnect() {
			t.Error("expected no fault with 0% probability")
		}
	}
}

func TestFaultInjector_SeedIsReproducible(t *testing.T) {
	cfg := FaultConfig{Type: FaultError, Probability: 0.5}
	a := NewFaultInjectorWithSeed(42, cfg)
	b := NewFaultInjectorWithSeed(42, cfg)

	for i := 0; i < 64; i++ {
		if a.MaybeError() != b.MaybeError() {
			t.Fatalf("sequences diverged at %d", i)
		}
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	delay := injector.MaybeDelay()
	if delay < 10*time.Millisecond || delay > 20*time.Millisecond {
		t.Errorf("delay %v outside expected range [10ms, 20ms]", delay)
	}
}

func TestFaultInjector_Error(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultError,
		Probability: 1.0,
	})

	if !injector.MaybeError() {
		t.Error("expected error fault to be injected")
	}
	if injector.MaybeDisconnect() {
		t.Error("error fault must not trigger a disconnect")
	}
}

func TestFaultInjector_Corrupt(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultCorrupt,
		Probability: 1.0,
	})

	orig := []byte{0x7E, 0x44, 0x01, 0x7E}
	b := append([]byte(nil), orig...)
	if !injector.MaybeCorrupt(b) {
		t.Fatal("expected corrupt fault to be injected")
	}

	diff := 0
	for i := range b {
		x := b[i] ^ orig[i]
		for ; x != 0; x &= x - 1 {
			diff++
		}
	}
	if diff != 1 {
		t.Errorf("corrupt flipped %d bits, want 1", diff)
	}

	if injector.MaybeCorrupt(nil) {
		t.Error("corrupting an empty buffer should be a no-op")
	}
}

func TestFaultInjector_Reset(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 1.0,
	})

	injector.MaybeDisconnect()
	injector.Reset()

	stats := injector.GetStats()
	if stats[FaultDisconnect] != 0 {
		t.Errorf("expected 0 hits after reset, got %d", stats[FaultDisconnect])
	}
}

func TestFaultInjector_Concurrent(t *testing.T) {
	injector := NewFaultInjector(
		FaultConfig{Type: FaultCorrupt, Probability: 0.5},
		FaultConfig{Type: FaultDrop, Probability: 0.5},
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			for j := 0; j < 200; j++ {
				injector.MaybeCorrupt(buf)
				injector.MaybeDrop()
			}
		}()
	}
	wg.Wait()

	stats := injector.GetStats()
	if stats[FaultCorrupt] == 0 || stats[FaultDrop] == 0 {
		t.Errorf("stats = %v, expected hits for both faults", stats)
	}
}

func TestParseFaultType(t *testing.T) {
	for typ, name := range faultNames {
		got, err := ParseFaultType(name)
		if err != nil {
			t.Errorf("ParseFaultType(%q) error = %v", name, err)
		}
		if got != typ {
			t.Errorf("ParseFaultType(%q) = %v, want %v", name, got, typ)
		}
		if typ.String() != name {
			t.Errorf("%d.String() = %q, want %q", typ, typ.String(), name)
		}
	}

	if got, err := ParseFaultType(" Corrupt "); err != nil || got != FaultCorrupt {
		t.Errorf("ParseFaultType(\" Corrupt \") = %v, %v", got, err)
	}
	if _, err := ParseFaultType("meltdown"); err == nil {
		t.Error("ParseFaultType(meltdown) should fail")
	}
}

func TestPort_PassThrough(t *testing.T) {
	host, mote := transport.Pipe("chaos0", 10*time.Millisecond)
	p := WrapPort(host, NewFaultInjector())

	if _, err := mote.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("mote write: %v", err)
	}
	buf := make([]byte, 8)
	n, err := p.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{1, 2, 3}) {
		t.Errorf("Read() = %x, %v", buf[:n], err)
	}

	if _, err := p.Write([]byte{4, 5}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := mote.ReadAvailable(); !bytes.Equal(got, []byte{4, 5}) {
		t.Errorf("mote received %x, want 0405", got)
	}
	if p.Name() != "chaos0" || p.Kind() != transport.KindPipe {
		t.Errorf("Name/Kind = %s/%s", p.Name(), p.Kind())
	}
}

func TestPort_DropRead(t *testing.T) {
	host, mote := transport.Pipe("chaos0", 10*time.Millisecond)
	p := WrapPort(host, NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0}))

	mote.Write([]byte{0x7E})
	buf := make([]byte, 1)
	n, err := p.Read(buf)
	if n != 0 || err != nil {
		t.Errorf("Read() = %d, %v; want 0, nil", n, err)
	}
}

func TestPort_DropWrite(t *testing.T) {
	host, mote := transport.Pipe("chaos0", 10*time.Millisecond)
	p := WrapPort(host, NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0}))

	n, err := p.Write([]byte{1, 2, 3})
	if n != 3 || err != nil {
		t.Errorf("Write() = %d, %v; want 3, nil", n, err)
	}
	if got := mote.ReadAvailable(); len(got) != 0 {
		t.Errorf("mote received %x, want nothing", got)
	}
}

func TestPort_CorruptWriteLeavesCallerBuffer(t *testing.T) {
	host, mote := transport.Pipe("chaos0", 10*time.Millisecond)
	p := WrapPort(host, NewFaultInjector(FaultConfig{Type: FaultCorrupt, Probability: 1.0}))

	payload := []byte{0x10, 0x20, 0x30}
	if _, err := p.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(payload, []byte{0x10, 0x20, 0x30}) {
		t.Errorf("caller buffer modified: %x", payload)
	}
	got := mote.ReadAvailable()
	if len(got) != 3 || bytes.Equal(got, payload) {
		t.Errorf("mote received %x, want a corrupted copy", got)
	}
}

func TestPort_Error(t *testing.T) {
	host, _ := transport.Pipe("chaos0", 10*time.Millisecond)
	p := WrapPort(host, NewFaultInjector(FaultConfig{Type: FaultError, Probability: 1.0}))

	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, ErrInjected) {
		t.Errorf("Read() error = %v, want ErrInjected", err)
	}
	if _, err := p.Write([]byte{1}); !errors.Is(err, ErrInjected) {
		t.Errorf("Write() error = %v, want ErrInjected", err)
	}
}

func TestPort_Disconnect(t *testing.T) {
	host, _ := transport.Pipe("chaos0", 10*time.Millisecond)
	injector := NewFaultInjector(FaultConfig{Type: FaultDisconnect, Probability: 1.0})
	p := WrapPort(host, injector)

	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Read() error = %v, want ErrClosed", err)
	}

	injector.Disable()
	if _, err := host.Read(make([]byte, 1)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("underlying port should be closed, Read() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWrapper(t *testing.T) {
	injector := NewFaultInjector()
	wrap := Wrapper(injector)

	host, _ := transport.Pipe("chaos0", 10*time.Millisecond)
	wrapped := wrap(host)

	p, ok := wrapped.(*Port)
	if !ok {
		t.Fatalf("Wrapper returned %T, want *Port", wrapped)
	}
	if p.Injector() != injector {
		t.Error("wrapped port uses a different injector")
	}
}
