package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

type tcpPort struct {
	conn        net.Conn
	name        string
	readTimeout time.Duration
	closed      atomic.Bool
}

// DialTCP connects to a serial-over-TCP bridge. The port name must carry
// the tcp:// scheme.
func DialTCP(ctx context.Context, spec Spec) (Port, error) {
	addr := strings.TrimPrefix(spec.Name, TCPScheme)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapErr("dial", spec.Name, err)
	}

	timeout := spec.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &tcpPort{conn: conn, name: spec.Name, readTimeout: timeout}, nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
		return 0, err
	}
	n, err := p.conn.Read(b)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return p.conn.Write(b)
}

func (p *tcpPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.conn.Close()
}

func (p *tcpPort) Name() string { return p.name }

func (p *tcpPort) Kind() Kind { return KindTCP }
