// Package link runs one reader/writer worker per mote port and manages the
// set of ports attached to the gateway.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/opendq/internal/hdlc"
	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/metrics"
	"github.com/postalsys/opendq/internal/recovery"
	"github.com/postalsys/opendq/internal/transport"
)

var (
	// ErrClosed is returned by Send on a stopped link.
	ErrClosed = errors.New("link: closed")

	// ErrTransport wraps read and write failures that stop a link.
	ErrTransport = errors.New("link: transport failure")
)

// Status is the lifecycle state of a link.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStopped
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status for JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status label.
func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range []Status{StatusIdle, StatusRunning, StatusStopped, StatusFailed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("link: unknown status %q", b)
}

// Config configures a Link.
type Config struct {
	// Name identifies the link in logs and metrics. Defaults to the port name.
	Name string

	// Port is the opened byte stream. Required.
	Port transport.Port

	// Codec frames outbound and unframes inbound payloads.
	Codec hdlc.Codec

	// WriteRate limits outbound bytes per second. Zero means unlimited.
	WriteRate int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnFrame receives every decoded inbound payload, in the worker goroutine.
	OnFrame func(l *Link, payload []byte)

	// OnClose is called once when the worker exits, before Done is closed.
	// err is nil after Stop. It must not call Stop on the same link.
	OnClose func(l *Link, err error)
}

// Stats is a point-in-time view of link counters.
type Stats struct {
	Name          string    `json:"name"`
	Port          string    `json:"port"`
	Kind          string    `json:"kind"`
	Status        Status    `json:"status"`
	FramesIn      uint64    `json:"frames_in"`
	FramesOut     uint64    `json:"frames_out"`
	BytesIn       uint64    `json:"bytes_in"`
	BytesOut      uint64    `json:"bytes_out"`
	FramingErrors uint64    `json:"framing_errors"`
	Queued        int       `json:"queued"`
	LastActivity  time.Time `json:"last_activity,omitzero"`
	Error         string    `json:"error,omitempty"`
}

// Link owns one port: it reads a byte at a time, slices frames, and writes
// queued outbound frames whenever the line is idle.
type Link struct {
	name    string
	port    transport.Port
	codec   hdlc.Codec
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	onFrame func(*Link, []byte)
	onClose func(*Link, error)

	acq Acquirer

	mu       sync.Mutex
	outbound [][]byte
	err      error

	status       atomic.Int32
	stopping     atomic.Bool
	started      atomic.Bool
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	framingErrs  atomic.Uint64
	lastActivity atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a link. Call Start to launch the worker.
func New(cfg Config) (*Link, error) {
	if cfg.Port == nil {
		return nil, errors.New("link: port is required")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Port.Name()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		name:    name,
		port:    cfg.Port,
		codec:   cfg.Codec,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyLink, name),
		metrics: cfg.Metrics,
		onFrame: cfg.OnFrame,
		onClose: cfg.OnClose,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.WriteRate > 0 {
		burst := max(cfg.WriteRate, 2*MaxFrameLen)
		l.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRate), burst)
	}
	return l, nil
}

// Name returns the link name.
func (l *Link) Name() string {
	return l.name
}

// Port returns the underlying port.
func (l *Link) Port() transport.Port {
	return l.port
}

// Start launches the worker goroutine. It may be called once.
func (l *Link) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.status.Store(int32(StatusRunning))
	l.metrics.RecordLinkUp()
	l.logger.Info("link started", logging.KeyPort, l.port.Name())
	go l.run()
}

// Stop asks the worker to exit, closes the port to unblock a pending read
// and waits for the worker to finish.
func (l *Link) Stop() {
	l.stopping.Store(true)
	l.cancel()
	l.closePort()
	if !l.started.Load() {
		l.closeOnce.Do(func() { close(l.done) })
		return
	}
	<-l.done
}

// Send frames payload and queues it. The frame is written the next time the
// worker sees the line idle.
func (l *Link) Send(payload []byte) error {
	if l.stopping.Load() || l.Status() >= StatusStopped {
		return ErrClosed
	}
	frame := l.codec.Encode(payload)

	l.mu.Lock()
	l.outbound = append(l.outbound, frame)
	l.mu.Unlock()
	return nil
}

// Done returns a channel closed when the worker has exited.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the link, or nil.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Status returns the lifecycle state.
func (l *Link) Status() Status {
	return Status(l.status.Load())
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	queued := len(l.outbound)
	var errText string
	if l.err != nil {
		errText = l.err.Error()
	}
	l.mu.Unlock()

	s := Stats{
		Name:          l.name,
		Port:          l.port.Name(),
		Kind:          string(l.port.Kind()),
		Status:        l.Status(),
		FramesIn:      l.framesIn.Load(),
		FramesOut:     l.framesOut.Load(),
		BytesIn:       l.bytesIn.Load(),
		BytesOut:      l.bytesOut.Load(),
		FramingErrors: l.framingErrs.Load(),
		Queued:        queued,
		Error:         errText,
	}
	if ts := l.lastActivity.Load(); ts != 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	return s
}

func (l *Link) run() {
	var err error
	defer func() { l.finish(err) }()
	defer recovery.RecoverToError(l.logger, "link.run", &err)

	err = l.loop()
}

func (l *Link) loop() error {
	buf := make([]byte, 1)
	for !l.stopping.Load() {
		n, err := l.port.Read(buf)
		if err != nil {
			if l.stopping.Load() {
				return nil
			}
			return fmt.Errorf("%w: read %s: %v", ErrTransport, l.port.Name(), err)
		}

		if n == 0 {
			if !l.acq.Receiving() {
				if err := l.flush(); err != nil {
					return err
				}
			}
			continue
		}

		l.bytesIn.Add(1)
		l.metrics.RecordBytesReceived(l.name, 1)

		frame, ok := l.acq.Feed(buf[0])
		if ok {
			l.deliver(frame)
			continue
		}
		if !l.acq.Receiving() {
			if err := l.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Link) deliver(frame []byte) {
	payload, err := l.codec.Decode(frame)
	if err != nil {
		l.framingErrs.Add(1)
		l.metrics.RecordFramingError(l.name)
		l.logger.Debug("dropping malformed frame",
			logging.KeyBytes, len(frame),
			logging.KeyError, err)
		return
	}

	l.framesIn.Add(1)
	l.lastActivity.Store(time.Now().UnixNano())
	l.metrics.RecordFrameReceived(l.name)

	if l.onFrame != nil {
		l.onFrame(l, payload)
	}
}

// flush writes every queued frame. Called only from the worker while the
// acquirer is idle.
func (l *Link) flush() error {
	l.mu.Lock()
	pending := l.outbound
	l.outbound = nil
	l.mu.Unlock()

	for _, frame := range pending {
		if l.limiter != nil {
			if err := l.limiter.WaitN(l.ctx, len(frame)); err != nil {
				if l.stopping.Load() {
					return nil
				}
				return fmt.Errorf("%w: throttle: %v", ErrTransport, err)
			}
		}
		if err := l.write(frame); err != nil {
			if l.stopping.Load() {
				return nil
			}
			return fmt.Errorf("%w: write %s: %v", ErrTransport, l.port.Name(), err)
		}

		l.framesOut.Add(1)
		l.bytesOut.Add(uint64(len(frame)))
		l.lastActivity.Store(time.Now().UnixNano())
		l.metrics.RecordFrameSent(l.name, len(frame))
	}
	return nil
}

func (l *Link) write(frame []byte) error {
	for len(frame) > 0 {
		n, err := l.port.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

func (l *Link) finish(err error) {
	l.closePort()
	l.cancel()

	reason := "stopped"
	if err != nil {
		reason = "error"
		l.status.Store(int32(StatusFailed))
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.logger.Error("link failed", logging.KeyError, err)
	} else {
		l.status.Store(int32(StatusStopped))
		l.logger.Info("link stopped")
	}
	l.metrics.RecordLinkDown(reason)

	if l.onClose != nil {
		l.onClose(l, err)
	}
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Link) closePort() {
	if err := l.port.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		l.logger.Debug("close port", logging.KeyError, err)
	}
}
