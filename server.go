package relayd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/cache"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/connguard"
	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/errpage"
	"pkt.systems/relayd/internal/h1"
	"pkt.systems/relayd/internal/health"
	"pkt.systems/relayd/internal/location"
	"pkt.systems/relayd/internal/policy"
	"pkt.systems/relayd/internal/sched"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/transport"
	"pkt.systems/relayd/internal/version"
)

// ErrAlreadyStarted is returned by Start on a server that is running or has
// run.
var ErrAlreadyStarted = errors.New("relayd: server already started")

// Server ties the forwarding core to its listeners, backend connections and
// housekeeping loops.
type Server struct {
	cfg    Config
	base   pslog.Logger
	logger pslog.Logger
	clock  clock.Clock
	dial   transport.DialFunc

	proxy    *core.Proxy
	sched    *sched.Scheduler
	groups   []*core.ServerGroup
	pages    *errpage.Pages
	health   *health.Monitor
	guard    *connguard.Guard
	static   *cache.Static
	deferred *cache.Deferred
	clients  *transport.Clients
	keepers  []*transport.Keeper

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	listeners []net.Listener
	telemetry *telemetryBundle
	readyCh   chan struct{}
	doneCh    chan struct{}
	serveErr  error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Dial      transport.DialFunc
	Listeners []net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithDialer overrides how backend connections are opened.
func WithDialer(dial transport.DialFunc) Option {
	return func(o *options) {
		o.Dial = dial
	}
}

// WithListener serves clients on ln instead of listening on cfg.Listen.
// It may be given more than once.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		if ln != nil {
			o.Listeners = append(o.Listeners, ln)
		}
	}
}

// NewServer constructs a relayd server according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := svcfields.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Server{
		cfg:       cfg,
		base:      logger,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     clk,
		dial:      o.Dial,
		listeners: o.Listeners,
		readyCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	var set *errpage.Set
	if len(cfg.ResponseBodies) > 0 {
		var err error
		if set, err = errpage.Load(cfg.ResponseBodies); err != nil {
			return nil, err
		}
	}
	s.pages = errpage.New(set, logger, clk)

	locator, err := location.NewTable(cfg.Locations)
	if err != nil {
		return nil, err
	}
	engine, err := policy.New(policy.Config{
		DenyMethods:  cfg.DenyMethods,
		AllowUpgrade: cfg.AllowUpgrade,
		Sticky: policy.StickyConfig{
			Enabled: cfg.StickyCookie,
			Name:    cfg.StickyCookieName,
			MaxAge:  cfg.StickyMaxAge,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	mode, err := sched.ParseMode(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	s.sched = sched.New(mode)
	s.health = health.New(health.Config{
		Threshold: cfg.HealthThreshold,
		Interval:  cfg.HealthInterval,
		URI:       cfg.HealthURI,
	}, logger, clk)
	s.guard = connguard.New(connguard.Config{
		Enabled:          cfg.GuardEnabled,
		FailureThreshold: cfg.GuardThreshold,
		FailureWindow:    cfg.GuardWindow,
		BlockDuration:    cfg.GuardBlock,
		ProbeTimeout:     cfg.GuardProbeTimeout,
	}, logger, clk)

	s.static = &cache.Static{}
	s.static.Set(staticEntries(cfg.Static))
	var lookups core.Cache = cache.Passthrough{Store: s.static}
	if cfg.CacheWorkers > 0 {
		s.deferred = cache.NewDeferred(s.static, cfg.CacheQueue, logger)
		lookups = s.deferred
	}

	parser := h1.NewParser()
	if cfg.MaxHeaderBytes > 0 {
		parser.MaxHeaderBytes = cfg.MaxHeaderBytes
	}
	s.proxy, err = core.New(parser, cfg.Settings(),
		core.WithScheduler(s.sched),
		core.WithCache(lookups),
		core.WithPolicy(engine),
		core.WithLocator(locator),
		core.WithRewriter(h1.NewRewriter()),
		core.WithErrorRenderer(s.pages),
		core.WithHealthMonitor(s.health),
		core.WithAbuseReporter(s.guard),
		core.WithClock(clk),
		core.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	backend := transport.BackendConfig{
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ReadBuffer:   int(cfg.ReadBuffer),
		RetryInitial: cfg.RetryInitial,
		RetryMax:     cfg.RetryMax,
		GiveUpAfter:  cfg.GiveUpAfter,
	}
	for _, gc := range cfg.Groups {
		group := core.NewServerGroup(gc.Name, cfg.GroupPolicy(gc))
		for _, addr := range gc.Servers {
			srv := group.AddServer(addr)
			for range gc.Conns {
				sc := s.proxy.NewServerConn(srv)
				s.keepers = append(s.keepers, transport.NewKeeper(sc, backend, s.dial, logger))
			}
		}
		s.sched.AddGroup(group)
		s.groups = append(s.groups, group)
	}
	s.clients = transport.NewClients(s.proxy, transport.ClientConfig{
		ReadBuffer:   int(cfg.ReadBuffer),
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)

	s.logger.Info("relayd.server.configured",
		"version", version.Current(),
		"groups", len(s.groups),
		"backend_conns", len(s.keepers),
		"locations", len(cfg.Locations),
		"scheduler", mode.String(),
	)
	return s, nil
}

// staticEntries renders the configured fixed responses.
func staticEntries(list []StaticResponse) map[string]cache.Entry {
	entries := make(map[string]cache.Entry, len(list))
	for _, sr := range list {
		wire := fmt.Appendf(nil, "HTTP/1.1 %d %s\r\n", sr.Status, http.StatusText(sr.Status))
		if sr.ContentType != "" {
			wire = fmt.Appendf(wire, "Content-Type: %s\r\n", sr.ContentType)
		}
		wire = fmt.Appendf(wire, "Server: %s\r\nContent-Length: %s\r\n\r\n%s",
			version.Product(), strconv.Itoa(len(sr.Body)), sr.Body)
		entries[cache.StaticKey(sr.Method, sr.Host, sr.Path)] = cache.Entry{Status: sr.Status, Wire: wire}
	}
	return entries
}

// Proxy returns the forwarding core.
func (s *Server) Proxy() *core.Proxy { return s.proxy }

// Servers returns every configured backend server.
func (s *Server) Servers() []*core.Server {
	var out []*core.Server
	for _, g := range s.groups {
		out = append(out, g.Servers()...)
	}
	return out
}

// Start begins serving and blocks until the server stops. It returns nil
// after a clean Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.doneCh)

	err := s.run(ctx)
	cancel()
	s.mu.Lock()
	s.serveErr = err
	s.mu.Unlock()
	return err
}

func (s *Server) run(ctx context.Context) error {
	lns := s.listeners
	if len(lns) == 0 {
		var err error
		if lns, err = listenClients(ctx, s.cfg.Listen, s.cfg.ReusePort); err != nil {
			return err
		}
	}
	if s.cfg.GuardEnabled {
		for i, ln := range lns {
			lns[i] = s.guard.WrapListener(ln)
		}
	}
	tel, err := setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:     s.cfg.OTLPEndpoint,
		metricsListen:    s.cfg.MetricsListen,
		pprofListen:      s.cfg.PprofListen,
		profilingMetrics: s.cfg.EnableProfilingMetrics,
		status:           s.statusHandler(),
	}, s.base)
	if err != nil {
		for _, ln := range lns {
			_ = ln.Close()
		}
		return err
	}
	s.mu.Lock()
	s.listeners = lns
	s.telemetry = tel
	s.mu.Unlock()

	// Backends outlive the listeners so in-flight requests are answered
	// while clients drain.
	backendCtx, stopBackends := context.WithCancel(context.WithoutCancel(ctx))
	var backends errgroup.Group
	for _, k := range s.keepers {
		backends.Go(func() error { return k.Run(backendCtx) })
	}
	if s.deferred != nil {
		backends.Go(func() error { return s.deferred.Run(backendCtx, s.cfg.CacheWorkers) })
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		g.Go(func() error { return s.clients.Serve(gctx, ln) })
	}
	g.Go(func() error { return s.sweep(gctx) })
	g.Go(func() error { return s.pages.Watch(gctx) })
	if s.cfg.HealthInterval > 0 {
		g.Go(func() error { return s.health.Run(gctx, s.proxy, s.Servers) })
	}
	close(s.readyCh)
	s.logger.Info("relayd.server.started", "listen", lns[0].Addr().String(), "listeners", len(lns))

	serveErr := g.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancelDrain()
	s.clients.Drain()
	if err := s.clients.Wait(drainCtx); err != nil {
		s.logger.Warn("relayd.server.drain_timeout", "clients", s.clients.Active())
		s.clients.CloseAll()
		_ = s.clients.Wait(context.Background())
	}
	stopBackends()
	if err := backends.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}
	telCtx, cancelTel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancelTel()
	if err := tel.Shutdown(telCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	s.logger.Info("relayd.server.stopped")
	return serveErr
}

// sweep runs the forwarding-queue maintenance pass until ctx ends.
func (s *Server) sweep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.SweepInterval):
			s.maintain()
		}
	}
}

func (s *Server) maintain() {
	for _, srv := range s.Servers() {
		for _, sc := range srv.Conns() {
			sc.Maintain()
		}
	}
}

// Shutdown stops accepting, waits for clients to drain and closes backend
// connections. It returns the error Start finished with, or ctx's error if
// the server did not stop in time.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// WaitUntilReady blocks until the listeners are serving or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.serveErr != nil {
			return s.serveErr
		}
		return errors.New("relayd: server stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the first bound client address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// MetricsAddr returns the bound metrics/status address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry.MetricsAddr()
}

// Reload applies the settings that can change at runtime: block actions,
// buffering and pipelining limits, and error-page bodies.
func (s *Server) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.proxy.SetSettings(cfg.Settings())
	s.static.Set(staticEntries(cfg.Static))
	if len(cfg.ResponseBodies) == 0 {
		set, _ := errpage.NewSet(nil)
		s.pages.Swap(set)
	} else {
		set, err := errpage.Load(cfg.ResponseBodies)
		if err != nil {
			return err
		}
		s.pages.Swap(set)
	}
	s.logger.Info("relayd.server.reloaded",
		"on_error", cfg.OnError,
		"on_attack", cfg.OnAttack,
		"buffer_threshold", cfg.BufferThreshold,
		"max_pipeline", cfg.MaxPipeline,
	)
	return nil
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. It returns the running server and a stop function.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Close()
		return nil, nil, err
	}
	stop := func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
		return <-errCh
	}
	return srv, stop, nil
}
