package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/opendq/internal/hdlc"
	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/metrics"
	"github.com/postalsys/opendq/internal/recovery"
	"github.com/postalsys/opendq/internal/router"
	"github.com/postalsys/opendq/internal/transport"
)

// ErrManagerClosed is returned when adding a link to a closed manager.
var ErrManagerClosed = errors.New("link: manager closed")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Router *router.Router
	Opener transport.Opener

	Codec       hdlc.Codec
	ReadTimeout time.Duration
	WriteRate   int
	Reconnect   ReconnectConfig

	// Wrap, when set, decorates every opened port, e.g. for fault injection.
	Wrap func(transport.Port) transport.Port

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the running links. Inbound payloads are published on
// router.TopicLinkInbound with the link name as source; payloads published
// on router.TopicLinkOutbound are queued on every running link.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	router  *router.Router

	mu    sync.RWMutex
	links map[string]*Link
	specs map[string]transport.Spec

	reconnector *Reconnector
	outbound    *router.Subscription
	closed      atomic.Bool
}

// NewManager creates a manager and subscribes it to outbound payloads.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Router == nil {
		return nil, errors.New("link: router is required")
	}
	if cfg.Opener == nil {
		cfg.Opener = transport.DefaultOpener{}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = transport.DefaultReadTimeout
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, "links"),
		metrics: cfg.Metrics,
		router:  cfg.Router,
		links:   make(map[string]*Link),
		specs:   make(map[string]transport.Spec),
	}
	if cfg.Reconnect.Enabled {
		m.reconnector = NewReconnector(cfg.Reconnect, m.reopen)
		m.reconnector.OnGiveUp(func(port string, attempts int) {
			m.logger.Error("giving up on port",
				logging.KeyPort, port,
				logging.KeyCount, attempts)
		})
	}
	m.outbound = cfg.Router.Subscribe(router.TopicLinkOutbound, m.handleOutbound)
	return m, nil
}

// Open opens the port described by spec and starts a link on it.
func (m *Manager) Open(ctx context.Context, spec transport.Spec) (*Link, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if spec.ReadTimeout <= 0 {
		spec.ReadTimeout = m.cfg.ReadTimeout
	}

	port, err := m.cfg.Opener.Open(ctx, spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.specs[spec.Name] = spec
	m.mu.Unlock()

	l, err := m.Attach(port)
	if err != nil {
		port.Close()
		return nil, err
	}
	return l, nil
}

// Attach starts a link on an already opened port.
func (m *Manager) Attach(port transport.Port) (*Link, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if m.cfg.Wrap != nil {
		port = m.cfg.Wrap(port)
	}

	l, err := New(Config{
		Name:      linkName(port.Name()),
		Port:      port,
		Codec:     m.cfg.Codec,
		WriteRate: m.cfg.WriteRate,
		Logger:    m.logger,
		Metrics:   m.metrics,
		OnFrame:   m.handleFrame,
		OnClose:   m.handleClose,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.links[l.Name()]; ok && existing.Status() == StatusRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("link: %s already attached", l.Name())
	}
	m.links[l.Name()] = l
	m.mu.Unlock()

	l.Start()
	return l, nil
}

// Get returns the link with the given name.
func (m *Manager) Get(name string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[name]
	return l, ok
}

// Links returns the known links sorted by name.
func (m *Manager) Links() []*Link {
	m.mu.RLock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Link) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// Stats returns the counters of every known link.
func (m *Manager) Stats() []Stats {
	links := m.Links()
	out := make([]Stats, 0, len(links))
	for _, l := range links {
		out = append(out, l.Stats())
	}
	return out
}

// Running returns the number of links whose worker is running.
func (m *Manager) Running() int {
	n := 0
	for _, l := range m.Links() {
		if l.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// Broadcast queues payload on every running link. It returns the joined
// errors of links that refused it.
func (m *Manager) Broadcast(payload []byte) error {
	var errs []error
	for _, l := range m.Links() {
		if l.Status() != StatusRunning {
			continue
		}
		if err := l.Send(payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every link and the reconnector.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.outbound.Unsubscribe()
	if m.reconnector != nil {
		m.reconnector.Stop()
	}

	m.stopAll(m.Links())
	return nil
}

// StopLinks stops and forgets every link. Unlike Close it leaves the
// manager open for new links.
func (m *Manager) StopLinks() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	clear(m.links)
	clear(m.specs)
	m.mu.Unlock()

	m.stopAll(links)
}

func (m *Manager) stopAll(links []*Link) {
	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		recovery.Go(m.logger, "link.stop", func() {
			defer wg.Done()
			l.Stop()
		})
	}
	wg.Wait()
}

func (m *Manager) handleOutbound(ev router.Event) error {
	payload := ev.Bytes()
	if payload == nil {
		return fmt.Errorf("link: outbound payload is %T, want []byte", ev.Payload)
	}
	return m.Broadcast(payload)
}

func (m *Manager) handleFrame(l *Link, payload []byte) {
	m.router.Publish(router.TopicLinkInbound, l.Name(), payload)
}

func (m *Manager) handleClose(l *Link, err error) {
	if err == nil || m.closed.Load() {
		return
	}

	port := l.Port().Name()
	m.mu.RLock()
	spec, known := m.specs[port]
	m.mu.RUnlock()

	if m.reconnector != nil && known {
		m.logger.Warn("link lost, scheduling reopen",
			logging.KeyLink, l.Name(),
			logging.KeyError, err)
		m.reconnector.Schedule(spec.Name)
		return
	}
	m.logger.Warn("link lost",
		logging.KeyLink, l.Name(),
		logging.KeyError, err)
}

func (m *Manager) reopen(port string) error {
	m.mu.RLock()
	spec, ok := m.specs[port]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.Open(ctx, spec)
	if err != nil {
		m.logger.Debug("reopen failed", logging.KeyPort, port, logging.KeyError, err)
		return err
	}
	m.logger.Info("link reopened", logging.KeyPort, port)
	return nil
}

// linkName derives a short link name from a port name.
func linkName(port string) string {
	if strings.HasPrefix(port, transport.TCPScheme) {
		return port
	}
	if i := strings.LastIndexAny(port, `/\`); i >= 0 && i < len(port)-1 {
		return port[i+1:]
	}
	return port
}
