package transport

import (
	"sync"
	"time"
)

const pipeQueueLen = 256

// PipePort is one end of an in-memory port pair. Bytes written to one end
// are read from the other. It stands in for a serial device in tests and
// simulations.
type PipePort struct {
	name        string
	readTimeout time.Duration

	in  chan []byte
	out chan []byte

	mu      sync.Mutex
	pending []byte
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
	peer      *PipePort
}

// Pipe returns a connected pair of ports. The first end is meant for the
// gateway, the second plays the mote.
func Pipe(name string, readTimeout time.Duration) (*PipePort, *PipePort) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	ab := make(chan []byte, pipeQueueLen)
	ba := make(chan []byte, pipeQueueLen)

	a := &PipePort{name: name, readTimeout: readTimeout, in: ba, out: ab, closed: make(chan struct{})}
	b := &PipePort{name: name + ".mote", readTimeout: readTimeout, in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Read returns buffered bytes, waiting at most the read timeout for more.
func (p *PipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.readTimeout)
	defer timer.Stop()

	select {
	case <-p.closed:
		return 0, ErrClosed
	case chunk := <-p.in:
		p.mu.Lock()
		defer p.mu.Unlock()
		n := copy(b, chunk)
		p.pending = append(p.pending, chunk[n:]...)
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

// Write queues a copy of b for the peer.
func (p *PipePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	case <-p.peer.closed:
		return 0, ErrClosed
	default:
	}

	chunk := append([]byte(nil), b...)
	select {
	case <-p.closed:
		return 0, ErrClosed
	case <-p.peer.closed:
		return 0, ErrClosed
	case p.out <- chunk:
		return len(b), nil
	}
}

// Close closes this end. Pending and future reads fail with ErrClosed.
func (p *PipePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// FailReads makes every subsequent Read return err, simulating a device
// that vanished.
func (p *PipePort) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// ReadAvailable drains whatever is queued for this end without waiting.
func (p *PipePort) ReadAvailable() []byte {
	p.mu.Lock()
	out := append([]byte(nil), p.pending...)
	p.pending = nil
	p.mu.Unlock()

	for {
		select {
		case chunk := <-p.in:
			out = append(out, chunk...)
		default:
			return out
		}
	}
}

func (p *PipePort) Name() string { return p.name }

func (p *PipePort) Kind() Kind { return KindPipe }
