package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/contextutil"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/p4th0r/tunfilter/internal/capture"
	"github.com/p4th0r/tunfilter/internal/config"
	"github.com/p4th0r/tunfilter/internal/engine"
	"github.com/p4th0r/tunfilter/internal/firewall"
	"github.com/p4th0r/tunfilter/internal/inline"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/p4th0r/tunfilter/internal/metrics"
	"github.com/p4th0r/tunfilter/internal/protect"
	"github.com/p4th0r/tunfilter/internal/pump"
	"github.com/p4th0r/tunfilter/internal/session"
	"github.com/p4th0r/tunfilter/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const (
	// shutdownTimeout bounds the shutdown of every service.
	shutdownTimeout = 5 * time.Second

	// refreshTimeout bounds a single blocklist reload.
	refreshTimeout = 1 * time.Minute
)

// runSession loads the configuration, starts a filtering session, and blocks
// until it is interrupted.
func runSession(cmd *cobra.Command, o *options, version string) (err error) {
	err = checkPlatform()
	if err != nil {
		return err
	}

	cfg, err := o.load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	if os.Geteuid() != 0 {
		return errNotRoot
	}

	id, err := session.GenerateID()
	if err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}

	ctx := context.Background()
	s := newSession(cmd, cfg, o.trace, id, version)
	defer func() { err = errors.WithDeferred(err, s.teardown(ctx)) }()

	err = s.init(ctx)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case config.ModeInline:
		err = s.startInline(ctx)
	default:
		err = s.startTun(ctx)
	}
	if err != nil {
		return err
	}

	err = s.startWorkers(ctx)
	if err != nil {
		return err
	}

	st := s.engine.Stats()
	s.console.SessionStart(id, cfg.Mode, s.device, st.Patterns, st.Networks)

	code := s.wait(ctx)
	if code != osutil.ExitCodeSuccess {
		return errors.Error("shutting down services failed")
	}

	return nil
}

// filterSession is a single run of tunfilter.  Its fields are set during
// startup and released in reverse order by [filterSession.teardown].
type filterSession struct {
	cfg     *config.Config
	logger  *slog.Logger
	console *logging.Console
	events  *logging.EventLogger
	sigHdlr *service.SignalHandler
	reg     *prometheus.Registry
	engine  *engine.Engine

	id      string
	version string
	device  string
	start   time.Time

	recorder  *capture.Recorder
	protector *protect.Protector
	tun       *tunnel.Device
	fw        *firewall.Firewall
	handler   *inline.Handler

	// stopWatch stops the pump watcher before a regular shutdown.
	stopWatch chan struct{}
	engineOn  bool
}

// newSession returns a session with the loggers set up.
func newSession(cmd *cobra.Command, cfg *config.Config, trace bool, id, version string) (s *filterSession) {
	logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogTimestamp, cfg.Verbose, trace)
	console := logging.NewConsole(cmd.ErrOrStderr(), nil, cfg.Quiet, cfg.Verbose)

	return &filterSession{
		cfg:     cfg,
		logger:  logger,
		console: console,
		events:  logging.NewEventLogger(console),
		sigHdlr: service.NewSignalHandler(&service.SignalHandlerConfig{
			Logger:          logger.With(slogutil.KeyPrefix, service.SignalHandlerPrefix),
			ShutdownTimeout: shutdownTimeout,
		}),
		reg:       prometheus.NewRegistry(),
		id:        id,
		version:   version,
		stopWatch: make(chan struct{}),
	}
}

// init builds the engine and loads the blocklist.
func (s *filterSession) init(ctx context.Context) (err error) {
	cfg := s.cfg

	pumpMetrics, err := metrics.NewPump(metrics.Namespace, s.reg)
	if err != nil {
		return fmt.Errorf("registering pump metrics: %w", err)
	}

	if cfg.Mode == config.ModeTun {
		s.protector = protect.New(&protect.Config{
			Logger: s.logger.With(slogutil.KeyPrefix, "protect"),
			Device: cfg.BindDevice,
			Mark:   cfg.FWMark,
			Table:  cfg.RouteTable,
		})

		if cfg.PcapPath != "" {
			s.recorder, err = capture.NewRecorder(&capture.RecorderConfig{
				Logger:  s.logger.With(slogutil.KeyPrefix, "capture"),
				Path:    cfg.PcapPath,
				Comment: capture.BuildSectionComment(s.version, s.id, cfg.Mode, cfg.Blocklists),
			})
			if err != nil {
				return fmt.Errorf("starting pcap capture: %w", err)
			}
		}
	}

	ec := &engine.Config{
		Logger:        s.logger,
		Metrics:       pumpMetrics,
		Events:        s.events.EventCh(),
		Blocklists:    cfg.Blocklists,
		DNSBlockMode:  pump.DNSBlockMode(cfg.DNSBlockMode),
		MaxFlows:      cfg.MaxFlows,
		IdleTimeout:   time.Duration(cfg.IdleTimeout),
		PollTimeout:   time.Duration(cfg.PollTimeout),
		SweepInterval: time.Duration(cfg.SweepInterval),
		MTU:           cfg.MTU,
		TrackResolved: cfg.TrackResolved,
	}

	// Assign interfaces only when set, so that the engine sees nil.
	if s.protector != nil {
		ec.Protector = s.protector
	}

	if s.recorder != nil {
		ec.Recorder = s.recorder
	}

	s.engine = engine.New(ec)

	err = loadBlocklist(ctx, s.engine, cfg)
	if err != nil {
		return err
	}

	return s.events.Start(ctx)
}

// loadBlocklist fills e from the blocklist files, the inline domains, and the
// blocked networks of cfg.
func loadBlocklist(ctx context.Context, e *engine.Engine, cfg *config.Config) (err error) {
	err = e.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("loading blocklists: %w", err)
	}

	for _, d := range cfg.Domains {
		if !e.AddDomain(d) {
			return fmt.Errorf("domain %q: %w", d, errBadPattern)
		}
	}

	for _, n := range cfg.BlockNetworks {
		err = e.BlockNetwork(n)
		if err != nil {
			return fmt.Errorf("block network %q: %w", n, err)
		}
	}

	return nil
}

// startTun installs the bypass rule, opens the tunnel, and starts the pump.
func (s *filterSession) startTun(ctx context.Context) (err error) {
	cfg := s.cfg
	tunLogger := s.logger.With(slogutil.KeyPrefix, "tunnel")

	if cfg.TunFD >= 0 {
		s.tun, err = tunnel.FromFD(tunLogger, cfg.TunFD, cfg.TunName)
		if err != nil {
			return fmt.Errorf("adopting tun fd %d: %w", cfg.TunFD, err)
		}
	} else {
		err = s.protector.Setup()
		if err != nil {
			return fmt.Errorf("setting up socket protection: %w", err)
		}

		name := cfg.TunName
		if name == "" {
			name = session.DeviceName(s.id)
		}

		// The config is validated.
		routes, _ := cfg.RoutePrefixes()

		s.tun, err = tunnel.Open(&tunnel.Config{
			Logger:  tunLogger,
			Name:    name,
			Address: cfg.TunAddress(),
			Routes:  routes,
			MTU:     cfg.MTU,
			Table:   cfg.RouteTable,
		})
		if err != nil {
			return fmt.Errorf("creating tun device: %w", err)
		}
	}

	s.device = s.tun.Name()
	s.start = time.Now()

	err = s.engine.Start(ctx, s.tun)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	s.engineOn = true
	go s.watchPump(ctx)

	return nil
}

// startInline installs the nftables table and binds the queue.
func (s *filterSession) startInline(ctx context.Context) (err error) {
	cfg := s.cfg

	queueNum := cfg.QueueNum
	if queueNum == 0 {
		queueNum = inline.QueueNumFromSessionID(s.id)
	}

	inlineMetrics, err := metrics.NewInline(metrics.Namespace, s.reg)
	if err != nil {
		return fmt.Errorf("registering inline metrics: %w", err)
	}

	s.fw = firewall.New(&firewall.Config{
		Logger:          s.logger.With(slogutil.KeyPrefix, "firewall"),
		SessionID:       s.id,
		BlockedNetworks: cfg.NetworkPrefixes(),
		TCPPorts:        cfg.TCPPorts,
		QueueNum:        queueNum,
		QueueReplies:    cfg.QueueReplies,
	})

	s.handler = inline.New(&inline.Config{
		Logger:     s.logger.With(slogutil.KeyPrefix, "inline"),
		Classifier: s.engine.Classifier(),
		Resolved:   s.engine.Resolved(),
		Blocker:    s.fw,
		Metrics:    inlineMetrics,
		Events:     s.events.EventCh(),
		QueueNum:   queueNum,
	})

	// Bind the queue before the rules start sending packets to it.
	err = s.handler.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting nfqueue handler: %w", err)
	}

	err = s.fw.Setup()
	if err != nil {
		return fmt.Errorf("setting up nftables: %w", err)
	}

	s.device = firewall.TableName(s.id)
	s.start = time.Now()

	return nil
}

// startWorkers starts the periodic workers and the metrics server and adds
// them to the signal handler.
func (s *filterSession) startWorkers(ctx context.Context) (err error) {
	cfg := s.cfg

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(&metrics.ServerConfig{
			Logger:   s.logger.With(slogutil.KeyPrefix, "metrics"),
			Gatherer: s.reg,
			Addr:     cfg.MetricsAddr,
		})

		err = srv.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}

		s.sigHdlr.AddService(srv)
	}

	if ivl := time.Duration(cfg.StatsInterval); ivl > 0 && s.engineOn {
		err = s.addWorker(ctx, "stats", ivl, service.RefresherFunc(s.printStats))
		if err != nil {
			return err
		}
	}

	if ivl := time.Duration(cfg.RefreshInterval); ivl > 0 && len(cfg.Blocklists) > 0 {
		err = s.addWorker(ctx, "blocklist_refresh", ivl, s.engine)
		if err != nil {
			return err
		}
	}

	return nil
}

// addWorker starts a refresh worker calling r every ivl.
func (s *filterSession) addWorker(
	ctx context.Context,
	name string,
	ivl time.Duration,
	r service.Refresher,
) (err error) {
	w := service.NewRefreshWorker(&service.RefreshWorkerConfig{
		Clock:              timeutil.SystemClock{},
		ContextConstructor: contextutil.NewTimeoutConstructor(refreshTimeout),
		ErrorHandler: service.NewSlogErrorHandler(
			s.logger.With(slogutil.KeyPrefix, name),
			slog.LevelError,
			"refreshing",
		),
		Refresher:         r,
		Schedule:          timeutil.NewConstSchedule(ivl),
		RefreshOnShutdown: false,
	})

	err = w.Start(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("starting %s worker: %w", name, err)
	}

	s.sigHdlr.AddService(w)

	return nil
}

// printStats prints one line of engine statistics.
func (s *filterSession) printStats(_ context.Context) (err error) {
	st := s.engine.Stats()
	s.console.Stats(st.Blocked, st.Relayed, st.Dropped, st.ActiveFlows)

	return nil
}

// watchPump interrupts the session if the pump exits with an error.
func (s *filterSession) watchPump(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, s.logger)

	select {
	case <-s.engine.Done():
		if s.engine.Err() == nil {
			return
		}

		s.console.Error("pump failed: %v", s.engine.Err())
		_ = unix.Kill(unix.Getpid(), unix.SIGTERM)
	case <-s.stopWatch:
	}
}

// wait blocks until the session is interrupted.
func (s *filterSession) wait(ctx context.Context) (code osutil.ExitCode) {
	code = s.sigHdlr.Handle(ctx)
	s.console.Debug("Signal received, shutting down...")

	return code
}

// teardown stops the session components in reverse order of startup, prints
// the summary, and writes the JSON log.
func (s *filterSession) teardown(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error

	close(s.stopWatch)

	if s.engineOn {
		errs = append(errs, s.engine.Stop(ctx))
	}

	if s.handler != nil {
		errs = append(errs, s.handler.Shutdown(ctx))
	}

	if s.fw != nil {
		errs = append(errs, s.fw.Teardown())
	}

	if s.tun != nil {
		errs = append(errs, s.tun.Close())
	}

	if s.protector != nil {
		errs = append(errs, s.protector.Teardown())
	}

	if s.recorder != nil {
		errs = append(errs, s.recorder.Close(ctx))
	}

	errs = append(errs, s.events.Shutdown(ctx))

	if !s.start.IsZero() {
		s.report()
	}

	return errors.Join(errs...)
}

// report prints the session summary and writes the JSON log.
func (s *filterSession) report() {
	end := time.Now()
	duration := end.Sub(s.start)
	summary := s.events.Summary()

	s.console.SessionSummary(s.id, duration, summary, s.events.BlockedDestinations())

	if s.cfg.NoLog {
		return
	}

	path := s.cfg.LogPath
	if path == "" {
		path = logging.DefaultLogPath(s.id, s.start)
	}

	st := s.engine.Stats()
	info := logging.SessionInfo{
		StartTime:    s.start,
		EndTime:      end,
		ID:           s.id,
		Mode:         s.cfg.Mode,
		Device:       s.device,
		Blocklists:   s.cfg.Blocklists,
		DurationSecs: duration.Seconds(),
		Patterns:     st.Patterns,
		Networks:     st.Networks,
	}

	err := logging.WriteJSONLog(path, logging.BuildJSONLog(info, s.events.Events(), summary))
	if err != nil {
		s.console.Error("writing JSON log: %v", err)

		return
	}

	s.console.Debug("JSON log written to %s", path)
}
