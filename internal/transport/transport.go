// Package transport opens the byte streams that connect the gateway to motes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind identifies the transport behind a port.
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindPipe   Kind = "pipe"
)

// TCPScheme prefixes port names served over a TCP serial bridge such as ser2net.
const TCPScheme = "tcp://"

// DefaultReadTimeout bounds a single read so the link worker can notice
// shutdown and flush queued writes.
const DefaultReadTimeout = 100 * time.Millisecond

// DefaultBaud is the mote UART speed.
const DefaultBaud = 115200

// ErrClosed is returned by operations on a closed port.
var ErrClosed = errors.New("transport: port closed")

// Port is a byte stream to one mote.
//
// Read blocks for at most the configured read timeout and returns (0, nil)
// when no byte arrived in that window. Close unblocks a pending Read.
type Port interface {
	io.ReadWriteCloser

	// Name returns the port identifier, e.g. /dev/ttyUSB0.
	Name() string

	// Kind returns the transport behind the port.
	Kind() Kind
}

// Spec describes a port to open.
type Spec struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// KindOf reports which transport serves a port name.
func KindOf(name string) Kind {
	if strings.HasPrefix(name, TCPScheme) {
		return KindTCP
	}
	return KindSerial
}

// Opener opens ports.
type Opener interface {
	Open(ctx context.Context, spec Spec) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, spec Spec) (Port, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, spec Spec) (Port, error) {
	return f(ctx, spec)
}

// DefaultOpener opens serial devices and tcp:// bridges.
type DefaultOpener struct{}

// Open opens the port named by spec.
func (DefaultOpener) Open(ctx context.Context, spec Spec) (Port, error) {
	if spec.Name == "" {
		return nil, errors.New("transport: empty port name")
	}
	if spec.ReadTimeout <= 0 {
		spec.ReadTimeout = DefaultReadTimeout
	}
	if spec.Baud <= 0 {
		spec.Baud = DefaultBaud
	}

	switch KindOf(spec.Name) {
	case KindTCP:
		return DialTCP(ctx, spec)
	default:
		return OpenSerial(spec)
	}
}

func wrapErr(op, name string, err error) error {
	return fmt.Errorf("%s %s: %w", op, name, err)
}
