// Package agent implements the main agent orchestration for OpenDQ.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/opendq/internal/chaos"
	"github.com/postalsys/opendq/internal/config"
	"github.com/postalsys/opendq/internal/control"
	"github.com/postalsys/opendq/internal/engine"
	"github.com/postalsys/opendq/internal/hdlc"
	"github.com/postalsys/opendq/internal/health"
	"github.com/postalsys/opendq/internal/link"
	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/metrics"
	"github.com/postalsys/opendq/internal/router"
	"github.com/postalsys/opendq/internal/stats"
	"github.com/postalsys/opendq/internal/transport"
)

// drainTimeout bounds how long Stop waits for the STOP command to leave the
// link queues.
const drainTimeout = 2 * time.Second

// openTimeout bounds opening a single port.
const openTimeout = 10 * time.Second

// Options override agent dependencies. The zero value uses real ports and
// a logger built from the configuration.
type Options struct {
	// Opener opens the configured ports. Defaults to transport.DefaultOpener.
	Opener transport.Opener

	// Logger replaces the configured logger.
	Logger *slog.Logger

	// Clock returns the current time for the engine. Defaults to time.Now.
	Clock func() time.Time
}

// Agent wires the links, the router and the protocol engine together and
// serves the control and health endpoints.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	router   *router.Router
	links    *link.Manager
	engine   *engine.Engine
	injector *chaos.FaultInjector
	relays   []*router.Subscription

	healthServer  *health.Server
	controlServer *control.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an agent with overridden dependencies.
func NewWithOptions(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}

	if err := a.initComponents(opts); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Agent) initComponents(opts Options) error {
	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewMetricsWithRegistry(a.registry)
	}

	a.router = router.New(router.Config{
		Logger:  a.logger,
		Metrics: a.metrics,
	})

	rssi, err := a.cfg.RSSITransform()
	if err != nil {
		return fmt.Errorf("rssi: %w", err)
	}
	a.engine, err = engine.New(engine.Config{
		Router:  a.router,
		Logger:  a.logger,
		Metrics: a.metrics,
		RSSI:    rssi,
		Clock:   opts.Clock,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	linkCfg := link.ManagerConfig{
		Router:      a.router,
		Opener:      opts.Opener,
		Codec:       hdlc.Codec{FCS: a.cfg.Link.FCS},
		ReadTimeout: a.cfg.Link.ReadTimeout,
		WriteRate:   a.cfg.Link.WriteRate,
		Reconnect:   a.cfg.LinkReconnect(),
		Logger:      a.logger,
		Metrics:     a.metrics,
	}
	if len(a.cfg.Link.Faults) > 0 {
		faults, err := a.cfg.FaultConfigs()
		if err != nil {
			return fmt.Errorf("faults: %w", err)
		}
		a.injector = chaos.NewFaultInjector(faults...)
		linkCfg.Wrap = chaos.Wrapper(a.injector)
		a.logger.Warn("fault injection enabled", logging.KeyCount, len(faults))
	}
	a.links, err = link.NewManager(linkCfg)
	if err != nil {
		return fmt.Errorf("create link manager: %w", err)
	}

	// Links and engine only know their own topics; the agent joins them.
	a.relays = []*router.Subscription{
		a.router.Subscribe(router.TopicLinkInbound, a.relay(router.TopicEngineInbound)),
		a.router.Subscribe(router.TopicEngineOutbound, a.relay(router.TopicLinkOutbound)),
	}

	if a.cfg.Health.Enabled {
		hcfg := health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
			Pprof:        a.cfg.Health.Pprof,
			Events:       a.router,
			Logger:       a.logger,
		}
		if a.registry != nil {
			hcfg.Gatherer = a.registry
		}
		a.healthServer = health.NewServer(hcfg, &agentStatsProvider{agent: a})
	}

	if a.cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = a.cfg.Control.SocketPath
		ccfg.Logger = a.logger
		a.controlServer = control.NewServer(ccfg, a)
	}

	return nil
}

func (a *Agent) relay(to router.Topic) router.Handler {
	return func(ev router.Event) error {
		a.router.Publish(to, ev.Source, ev.Payload)
		return nil
	}
}

// Start applies the experiment settings, opens the configured ports and
// starts the servers. With experiment.auto_start set it also starts a run.
func (a *Agent) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting agent",
		logging.KeyComponent, "agent",
		logging.KeyCount, len(a.cfg.Links))

	if err := os.MkdirAll(a.cfg.Agent.DataDir, 0o755); err != nil {
		a.running.Store(false)
		return fmt.Errorf("create data dir: %w", err)
	}

	variant, err := a.cfg.Variant()
	if err != nil {
		a.running.Store(false)
		return err
	}
	if err := a.engine.Configure(variant, a.cfg.Experiment.Nodes, a.cfg.Experiment.DurationMs); err != nil {
		a.running.Store(false)
		return fmt.Errorf("configure experiment: %w", err)
	}

	for _, spec := range a.cfg.Specs() {
		if _, err := a.openLink(context.Background(), spec); err != nil {
			a.logger.Error("failed to open link",
				logging.KeyPort, spec.Name,
				logging.KeyError, err)
			a.links.StopLinks()
			a.running.Store(false)
			return fmt.Errorf("open %s: %w", spec.Name, err)
		}
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start health server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.links.StopLinks()
			a.running.Store(false)
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	if a.controlServer != nil {
		if err := a.controlServer.Start(); err != nil {
			a.logger.Error("failed to start control server",
				"socket", a.cfg.Control.SocketPath,
				logging.KeyError, err)
			if a.healthServer != nil {
				a.healthServer.Stop()
			}
			a.links.StopLinks()
			a.running.Store(false)
			return fmt.Errorf("start control server: %w", err)
		}
		a.logger.Info("control server started",
			"socket", a.controlServer.SocketPath())
	}

	if a.cfg.Experiment.AutoStart {
		if _, err := a.engine.Start(); err != nil {
			a.logger.Error("auto start failed", logging.KeyError, err)
		}
	}

	a.logger.Info("agent started",
		"links", a.links.Running())

	return nil
}

func (a *Agent) openLink(ctx context.Context, spec transport.Spec) (*link.Link, error) {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	if spec.ReadTimeout <= 0 {
		spec.ReadTimeout = a.cfg.Link.ReadTimeout
	}
	l, err := a.links.Open(ctx, spec)
	if err != nil {
		return nil, err
	}
	a.logger.Info("link opened",
		logging.KeyLink, l.Name(),
		logging.KeyPort, spec.Name)
	return l, nil
}

// Stop ends a running experiment, waits briefly for the STOP command to be
// written, then closes the links and servers.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		if a.engine.State() == engine.StateRunning {
			if stopErr := a.engine.Stop(); stopErr == nil {
				a.drain(drainTimeout)
			}
		}

		a.running.Store(false)

		if a.controlServer != nil {
			if stopErr := a.controlServer.Stop(); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
		}
		if a.healthServer != nil {
			if stopErr := a.healthServer.Stop(); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
		}

		for _, sub := range a.relays {
			sub.Unsubscribe()
		}
		a.engine.Close()
		a.links.Close()

		a.logger.Info("agent stopped")
	})

	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain waits until no running link has queued frames.
func (a *Agent) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pending := 0
		for _, st := range a.links.Stats() {
			if st.Status == link.StatusRunning {
				pending += st.Queued
			}
		}
		if pending == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.logger.Warn("outbound queues not drained before shutdown")
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Router returns the event router.
func (a *Agent) Router() *router.Router {
	return a.router
}

// Engine returns the protocol engine.
func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

// Links returns the link manager.
func (a *Agent) Links() *link.Manager {
	return a.links
}

// Registry returns the metrics registry, or nil with metrics disabled.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// FaultStats returns the injected fault counts, or nil without fault
// injection.
func (a *Agent) FaultStats() map[chaos.FaultType]int64 {
	if a.injector == nil {
		return nil
	}
	return a.injector.GetStats()
}

// HealthAddress returns the health server listen address, or "" when the
// server is disabled or not started.
func (a *Agent) HealthAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}

// Configure implements control.Controller.
func (a *Agent) Configure(variant mac.Variant, nodes, durationMs int) error {
	return a.engine.Configure(variant, nodes, durationMs)
}

// StartRun implements control.Controller.
func (a *Agent) StartRun() (engine.RunInfo, error) {
	return a.engine.Start()
}

// StopRun implements control.Controller.
func (a *Agent) StopRun() (engine.RunInfo, error) {
	if err := a.engine.Stop(); err != nil {
		return engine.RunInfo{}, err
	}
	run, _ := a.engine.Run()
	return run, nil
}

// ResetStats implements control.Controller.
func (a *Agent) ResetStats() {
	a.engine.Reset()
}

// EngineStatus implements control.Controller.
func (a *Agent) EngineStatus() engine.Status {
	return a.engine.Status()
}

// Snapshot implements control.Controller.
func (a *Agent) Snapshot() (stats.Snapshot, bool) {
	return a.engine.Snapshot()
}

// LinkStats implements control.Controller.
func (a *Agent) LinkStats() []link.Stats {
	return a.links.Stats()
}

// OpenLink implements control.Controller.
func (a *Agent) OpenLink(ctx context.Context, spec transport.Spec) (link.Stats, error) {
	if !a.IsRunning() {
		return link.Stats{}, errors.New("agent not running")
	}
	l, err := a.openLink(ctx, spec)
	if err != nil {
		return link.Stats{}, err
	}
	return l.Stats(), nil
}

// HealthStats returns health statistics for the health.StatsProvider interface.
func (a *Agent) HealthStats() health.Stats {
	st := health.Stats{
		State:        a.engine.State().String(),
		LinkCount:    len(a.links.Links()),
		LinksRunning: a.links.Running(),
	}
	if run, ok := a.engine.Run(); ok {
		st.RunID = run.ID
		st.DataFrames = run.DataFrames
	}
	return st
}

// agentStatsProvider adapts Agent to health.StatsProvider interface.
type agentStatsProvider struct {
	agent *Agent
}

// IsRunning implements health.StatsProvider.
func (p *agentStatsProvider) IsRunning() bool {
	return p.agent.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *agentStatsProvider) Stats() health.Stats {
	return p.agent.HealthStats()
}

// Snapshot implements health.StatsProvider.
func (p *agentStatsProvider) Snapshot() (stats.Snapshot, bool) {
	return p.agent.Snapshot()
}
