package chaos

import (
	"sync"
	"time"

	"github.com/postalsys/opendq/internal/transport"
)

// Port wraps a transport.Port and injects the faults configured on its
// injector into every Read and Write.
type Port struct {
	transport.Port
	injector *FaultInjector

	closeOnce sync.Once
}

// WrapPort decorates p with fault injection.
func WrapPort(p transport.Port, injector *FaultInjector) *Port {
	return &Port{Port: p, injector: injector}
}

// Wrapper returns a function suitable for link.ManagerConfig.Wrap.
func Wrapper(injector *FaultInjector) func(transport.Port) transport.Port {
	return func(p transport.Port) transport.Port {
		return WrapPort(p, injector)
	}
}

// Injector returns the fault injector used by the port.
func (p *Port) Injector() *FaultInjector {
	return p.injector
}

// Read reads from the wrapped port. Dropped bytes are reported as a read
// timeout; corrupted bytes are returned with one bit flipped.
func (p *Port) Read(b []byte) (int, error) {
	if err := p.before(); err != nil {
		return 0, err
	}

	n, err := p.Port.Read(b)
	if n == 0 {
		return n, err
	}
	if p.injector.MaybeDrop() {
		return 0, err
	}
	p.injector.MaybeCorrupt(b[:n])
	return n, err
}

// Write writes to the wrapped port. Dropped writes report success.
func (p *Port) Write(b []byte) (int, error) {
	if err := p.before(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return p.Port.Write(b)
	}
	if p.injector.MaybeDrop() {
		return len(b), nil
	}

	out := b
	buf := make([]byte, len(b))
	copy(buf, b)
	if p.injector.MaybeCorrupt(buf) {
		out = buf
	}
	return p.Port.Write(out)
}

// Close closes the wrapped port once.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.Port.Close()
	})
	return err
}

func (p *Port) before() error {
	if d := p.injector.MaybeDelay(); d > 0 {
		time.Sleep(d)
	}
	if p.injector.MaybeDisconnect() {
		p.Close()
		return transport.ErrClosed
	}
	if p.injector.MaybeError() {
		return ErrInjected
	}
	return nil
}
