package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"notifybridge/internal/bridge"
	"notifybridge/internal/channel"
	"notifybridge/internal/config"
	"notifybridge/internal/dispatch"
	"notifybridge/internal/eventbus"
	"notifybridge/internal/observability/diag"
	"notifybridge/internal/osnotify"
	"notifybridge/internal/platform"
	"notifybridge/internal/runtime/supervisor"
	logx "notifybridge/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend  osnotify.Service
	disp     *dispatch.Dispatcher
	platform platform.Platform
	router   *bridge.Router
	server   *channel.Server
	diag     *diag.Server
	stdio    bool

	stopReason atomic.Value
}

type Option func(*options)

type options struct {
	backend osnotify.Service
	listen  string
}

// WithBackend replaces the configured OS notification service.
func WithBackend(svc osnotify.Service) Option {
	return func(o *options) { o.backend = svc }
}

// WithListen overrides channel.listen.
func WithListen(addr string) Option {
	return func(o *options) { o.listen = addr }
}

// NewApp loads cfgPath (empty for defaults) and wires the bridge. Nothing
// runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	// Logging is configured by the file, so load failures go to a console logger.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "app"))

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		bootLog.Error("config load failed", logx.String("path", cfgPath), logx.Err(err))
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.listen != "" {
		cfg.Channel.Listen = o.listen
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	backend := o.backend
	if backend == nil {
		backend, err = openBackend(cfg, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open backend: %w", err)
		}
	}

	popts, err := mapPlatformOptions(cfg)
	if err != nil {
		_ = backend.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
	}

	a.disp = dispatch.New(log.With(logx.String("comp", "dispatch")), bus)
	popts.Service = backend
	popts.Dispatcher = a.disp
	popts.Launcher = launcher{a: a}
	popts.Log = log.With(logx.String("comp", "platform"))
	popts.Bus = bus
	a.platform, err = platform.New(cfg.Platform.Variant, popts)
	if err != nil {
		_ = backend.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a.router = bridge.NewRouter(a.platform, log.With(logx.String("comp", "router")), bus)
	a.server = channel.NewServer(channel.Config{
		Name:     cfg.Channel.Name,
		Listen:   cfg.Channel.Listen,
		MaxFrame: cfg.Channel.MaxFrameBytes,
	}, a.router, log.With(logx.String("comp", "channel")), channel.WithStateSink(a.disp))
	a.disp.SetForwarder(a.server)

	addr, err := channel.ParseAddress(cfg.Channel.Listen)
	if err != nil {
		_ = backend.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.stdio = addr.Network == "stdio"
	a.diag = diag.New(mapDiagConfig(cfg.Diag), a.Status, log.With(logx.String("comp", "diag")))

	log.Info("bridge configured",
		logx.String("variant", a.platform.Variant()),
		logx.String("backend", backend.Name()),
		logx.String("listen", addr.String()),
	)
	return a, nil
}

func (a *App) Router() *bridge.Router           { return a.router }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Platform() platform.Platform      { return a.platform }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error,
// application detached or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StopReason reports why the app stopped on its own, if it did.
func (a *App) StopReason() StopReason {
	if r, ok := a.stopReason.Load().(StopReason); ok {
		return r
	}
	return StopUnknown
}

// Status is the snapshot served on the diag /status endpoint.
type Status struct {
	Variant            string              `json:"variant"`
	Backend            string              `json:"backend"`
	AppState           string              `json:"app_state"`
	Sessions           int                 `json:"sessions"`
	GroupingID         string              `json:"grouping_id"`
	GroupingRegistered bool                `json:"grouping_registered"`
	Goroutines         supervisor.Counters `json:"goroutines"`
	StopReason         StopReason          `json:"stop_reason,omitempty"`
}

// registryHolder is implemented by both platform variants.
type registryHolder interface {
	Registry() *platform.Registry
}

func (a *App) Status() any {
	st := Status{
		Variant:  a.platform.Variant(),
		Backend:  a.backend.Name(),
		AppState: a.disp.State().String(),
		Sessions: a.server.Sessions(),
	}
	if rh, ok := a.platform.(registryHolder); ok {
		st.GroupingID = rh.Registry().Grouping().ID
		st.GroupingRegistered = rh.Registry().Registered()
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Counters()
	}
	if r, ok := a.stopReason.Load().(StopReason); ok {
		st.StopReason = r
	}
	return st
}

// launcher runs detached platform work under the app supervisor. Before
// Start it runs inline.
type launcher struct{ a *App }

func (l launcher) Go(name string, fn func(ctx context.Context) error) {
	if l.a.sup == nil {
		platform.InlineLauncher{}.Go(name, fn)
		return
	}
	l.a.sup.Go(name, fn)
}

// runner is implemented by backends that consume interaction callbacks.
type runner interface {
	Run(ctx context.Context) error
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapPlatformOptions(cfg); err != nil {
			return err
		}
		if _, err := channel.ParseAddress(cfg.Channel.Listen); err != nil {
			return err
		}
		return nil
	})

	if r, ok := a.backend.(runner); ok {
		a.sup.GoRestart("backend."+a.backend.Name(), r.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	a.sup.GoRestart("dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.backend.Responses())
	})

	if a.stdio {
		// The application owns our stdin; when it goes away, so do we.
		a.sup.Go("channel.stdio", func(c context.Context) error {
			err := a.server.Run(c)
			if c.Err() == nil {
				a.log.Info("application detached")
				a.stopReason.Store(StopAppDetached)
				a.sup.Cancel()
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.sup.GoRestart("channel.listen", a.server.Run, supervisor.WithStopOnCleanExit(true))
	}

	a.sup.GoRestart("diag", a.diag.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// latest drains ch and returns the newest config seen.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// rateSetter is implemented by both platform variants.
type rateSetter interface {
	SetRate(perSec float64)
}

// applyConfig applies the live-reloadable parts of newCfg: logging, the
// display rate and diag. Other changes are logged as needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg.Logging))
	if rs, ok := a.platform.(rateSetter); ok {
		rs.SetRate(newCfg.Platform.DisplayRatePerSec)
	}
	a.diag.Reconfigure(mapDiagConfig(newCfg.Diag))
	if config.RestartRequired(oldCfg, newCfg) {
		a.log.Warn("config changed outside logging/display rate/diag; restart required for those changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "channel", time.Second, func(c context.Context) error { return a.server.Close() })
	a.step(ctx, "backend", 2*time.Second, func(c context.Context) error { return a.backend.Close() })
	// Detached submissions, watchers and consumer loops.
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Uint64("goroutines_started", c.Started), logx.Uint64("panics", c.Panics))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	_ = a.server.Close()
	_ = a.backend.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is logged and left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
