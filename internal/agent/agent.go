// Package agent wires a pwnat server or client together and owns its
// lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/pwnat/internal/client"
	"github.com/postalsys/pwnat/internal/config"
	"github.com/postalsys/pwnat/internal/health"
	"github.com/postalsys/pwnat/internal/icmp"
	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/metrics"
	"github.com/postalsys/pwnat/internal/packet"
	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/recovery"
	"github.com/postalsys/pwnat/internal/resolve"
	"github.com/postalsys/pwnat/internal/server"
	"github.com/postalsys/pwnat/internal/socket"
	"github.com/postalsys/pwnat/internal/sysinfo"
	"github.com/postalsys/pwnat/internal/tunnel"
)

// ErrAlreadyStarted is returned by Start on a running or stopped agent.
var ErrAlreadyStarted = errors.New("agent already started")

// statsTimeout bounds how long Stats waits for the loop.
const statsTimeout = time.Second

// ICMPConn is the raw socket used for probes and signals.
type ICMPConn interface {
	WriteTo(msg []byte, dst netip.Addr) error
	ReadFrom(b []byte) (int, netip.Addr, error)
	Close() error
}

// ICMPListener opens an ICMPConn.
type ICMPListener func(family packet.Family, bind netip.Addr) (ICMPConn, error)

func listenICMP(family packet.Family, bind netip.Addr) (ICMPConn, error) {
	return icmp.Listen(family, bind)
}

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithICMPListener replaces the raw socket opener.
func WithICMPListener(fn ICMPListener) Option {
	return func(a *Agent) { a.listenICMP = fn }
}

// Agent is the running pwnat instance for one mode.
type Agent struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	listenICMP ICMPListener

	family packet.Family
	bind   netip.Addr
	echo   netip.Addr

	loop      *reactor.Loop
	transport *tunnel.KCPTransport
	service   *tunnel.Service
	icmpConn  ICMPConn
	sessions  *server.Registry
	client    *client.Client
	listener  net.Listener
	health    *health.Server

	cancel   context.CancelFunc
	loopDone chan struct{}

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

// New creates an agent from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		registry:   prometheus.NewRegistry(),
		listenICMP: listenICMP,
		failed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	a.logger = a.logger.With(logging.KeyMode, cfg.Mode)

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetricsWithRegistry(a.registry)

	a.family = packet.IPv4
	if cfg.IPv6 {
		a.family = packet.IPv6
	}
	if cfg.BindAddress != "" {
		bind, err := netip.ParseAddr(cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("bind address: %w", err)
		}
		a.bind = bind.Unmap()
	}
	a.echo = icmp.DefaultEchoDestination(a.family)
	if cfg.EchoDestination != "" {
		echo, err := netip.ParseAddr(cfg.EchoDestination)
		if err != nil {
			return nil, fmt.Errorf("echo destination: %w", err)
		}
		a.echo = echo.Unmap()
	}

	return a, nil
}

// Start opens the sockets for the configured mode and begins serving. ctx
// bounds the proxy host lookup only; the agent runs until Stop.
func (a *Agent) Start(ctx context.Context) error {
	if a.started.Swap(true) {
		return ErrAlreadyStarted
	}

	network := "udp4"
	if a.family == packet.IPv6 {
		network = "udp6"
	}

	var err error
	a.transport, err = tunnel.NewKCPTransport(tunnel.KCPConfig{
		Network:        network,
		BindAddress:    a.bind,
		ConnectTimeout: a.cfg.Tunnel.ConnectTimeout,
		BufferSize:     a.cfg.Tunnel.BufferSize,
		MTU:            a.cfg.Tunnel.MTU,
		Window:         a.cfg.Tunnel.Window,
		KeepAlive:      a.cfg.Tunnel.KeepAlive,
		IdleTimeout:    a.cfg.Tunnel.IdleTimeout,
		SocketBuffer:   a.cfg.Tunnel.SocketBuffer,
		Key:            a.cfg.Tunnel.Key,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	poller, err := a.transport.NewPoller()
	if err != nil {
		a.transport.Close()
		return fmt.Errorf("create poller: %w", err)
	}

	a.loop = reactor.New(a.logger)
	a.service = tunnel.NewService(tunnel.ServiceConfig{
		Poller:  poller,
		Loop:    a.loop,
		Logger:  a.logger,
		Metrics: a.metrics,
		OnCrash: func(r interface{}) {
			a.fail(fmt.Errorf("tunnel service crashed: %v", r))
		},
	})

	a.icmpConn, err = a.listenICMP(a.family, a.bind)
	if err != nil {
		a.transport.Close()
		poller.Close()
		return err
	}

	sockets := &socket.Factory{
		Loop:      a.loop,
		Service:   a.service,
		Transport: a.transport,
		Logger:    a.logger,
	}
	resolver := resolve.New(resolve.Config{
		Servers:    a.cfg.DNS.Servers,
		Timeout:    a.cfg.DNS.Timeout,
		CacheTTL:   resolve.DefaultConfig().CacheTTL,
		PreferIPv6: a.family == packet.IPv6,
	})

	switch a.cfg.Mode {
	case config.ModeServer:
		err = a.startServer(sockets, resolver)
	case config.ModeClient:
		err = a.startClient(ctx, sockets, resolver)
	default:
		err = fmt.Errorf("unknown mode %q", a.cfg.Mode)
	}
	if err != nil {
		a.icmpConn.Close()
		a.transport.Close()
		poller.Close()
		return err
	}

	a.service.Start()

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.loopDone = make(chan struct{})
	recovery.Go(a.logger, "agent.loop", func() {
		defer close(a.loopDone)
		a.loop.Run(loopCtx)
	})

	if a.cfg.Health.Enabled {
		a.health = health.NewServer(health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
			Gatherer:     a.registry,
			Logger:       a.logger,
		}, a)
		if err := a.health.Start(); err != nil {
			a.logger.Warn("health server not started", logging.KeyError, err)
			a.health = nil
		}
	}

	a.running.Store(true)
	a.logger.Info("agent started",
		"family", a.family,
		"version", sysinfo.Version)
	return nil
}

func (a *Agent) startServer(sockets *socket.Factory, resolver *resolve.Resolver) error {
	a.sessions = server.New(server.Config{
		Family:          a.family,
		ProxyPort:       a.cfg.ProxyPort,
		EchoDestination: a.echo,
		Interval:        a.cfg.SignalInterval,
		KeyMode:         a.cfg.Server.KeyMode,
		MaxSessions:     a.cfg.Server.MaxSessions,
		SessionRate:     a.cfg.Server.SessionRate,
		SessionBurst:    a.cfg.Server.SessionBurst,
		ResolveTimeout:  a.cfg.DNS.Timeout,
		Logger:          a.logger,
		Metrics:         a.metrics,
	}, a.loop, a.icmpConn, sockets, resolver)

	a.loop.Post(a.sessions.Start)
	return nil
}

func (a *Agent) startClient(ctx context.Context, sockets *socket.Factory, resolver *resolve.Resolver) error {
	cc := a.cfg.Client

	proxy, err := resolver.Resolve(ctx, cc.ProxyHost, a.cfg.ProxyPort)
	if err != nil {
		return fmt.Errorf("resolve proxy host %q: %w", cc.ProxyHost, err)
	}

	a.client, err = client.New(client.Config{
		Family:          a.family,
		ProxyAddr:       proxy.Addr(),
		ProxyPort:       a.cfg.ProxyPort,
		RemoteHost:      cc.RemoteHost,
		RemotePort:      cc.RemotePort,
		EchoDestination: a.echo,
		Interval:        a.cfg.SignalInterval,
		Logger:          a.logger,
		Metrics:         a.metrics,
	}, a.loop, a.icmpConn, sockets)
	if err != nil {
		return err
	}

	host := ""
	if a.bind.IsValid() {
		host = a.bind.String()
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(cc.LocalPort))))
	if err != nil {
		return fmt.Errorf("listen on local port %d: %w", cc.LocalPort, err)
	}
	a.listener = ln

	a.loop.Post(func() { a.client.Start(ln) })
	return nil
}

// fail records the first fatal error and signals Failed.
func (a *Agent) fail(err error) {
	a.failOnce.Do(func() {
		a.logger.Error("agent failed", logging.KeyError, err)
		a.failErr = err
		close(a.failed)
	})
}

// Failed is closed when the agent hits an unrecoverable error.
func (a *Agent) Failed() <-chan struct{} {
	return a.failed
}

// Err returns the error that closed Failed, or nil.
func (a *Agent) Err() error {
	select {
	case <-a.failed:
		return a.failErr
	default:
		return nil
	}
}

// Stop gracefully shuts the agent down.
func (a *Agent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.StopWithContext(ctx)
}

// StopWithContext shuts the agent down, giving up waiting on the loop when
// ctx is done.
func (a *Agent) StopWithContext(ctx context.Context) error {
	var stopErr error
	a.stopOnce.Do(func() {
		if !a.running.Swap(false) {
			return
		}
		a.logger.Info("stopping agent")

		if a.health != nil {
			a.health.Stop()
		}

		stopped := make(chan struct{})
		posted := a.loop.Post(func() {
			defer close(stopped)
			if a.sessions != nil {
				a.sessions.Stop()
			}
			if a.client != nil {
				a.client.Stop()
			}
		})
		if posted {
			select {
			case <-stopped:
			case <-ctx.Done():
				stopErr = ctx.Err()
			}
		}

		a.service.Stop()
		a.transport.Close()
		a.icmpConn.Close()
		if a.listener != nil {
			a.listener.Close()
		}

		a.cancel()
		a.loop.Close()
		select {
		case <-a.loopDone:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}

		a.logger.Info("agent stopped")
	})
	return stopErr
}

// IsRunning reports whether the agent is serving.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Stats returns a snapshot taken on the loop. Counts are zero if the loop
// does not answer in time.
func (a *Agent) Stats() health.Stats {
	stats := health.Stats{
		Mode:          a.cfg.Mode,
		Version:       sysinfo.Version,
		UptimeSeconds: sysinfo.UptimeSeconds(),
	}
	if !a.running.Load() {
		return stats
	}

	ch := make(chan health.Stats, 1)
	ok := a.loop.Post(func() {
		s := stats
		if a.sessions != nil {
			s.Sessions = a.sessions.Len()
		}
		if a.client != nil {
			s.Flows = a.client.Len()
		}
		s.QueuedOps = a.loop.Pending()
		ch <- s
	})
	if !ok {
		return stats
	}

	select {
	case s := <-ch:
		return s
	case <-time.After(statsTimeout):
		return stats
	}
}

// Metrics returns the agent's metrics.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

// Gatherer returns the registry the agent's metrics are registered with.
func (a *Agent) Gatherer() prometheus.Gatherer {
	return a.registry
}

// HealthAddress returns the health server's listen address, or nil.
func (a *Agent) HealthAddress() net.Addr {
	if a.health == nil {
		return nil
	}
	return a.health.Address()
}

// LocalAddress returns the client listener's address, or nil.
func (a *Agent) LocalAddress() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}
