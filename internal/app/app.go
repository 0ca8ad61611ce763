// Package app wires the pieces into a runnable daemon: config with hot
// reload, logging, the snapshot store, the worker roster, execution backends,
// the dispatch loop, and the optional HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dispatchd/internal/api"
	"dispatchd/internal/backend"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	"dispatchd/internal/store"
	"dispatchd/internal/task"
	"dispatchd/internal/worker"
	logx "dispatchd/pkg/logx"
)

const defaultAPIAddr = "127.0.0.1:8745"

type App struct {
	cfgPath string

	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	gw       storage.Gateway
	st       *store.Store
	registry *worker.Registry
	backends *backend.Registry
	bus      eventbus.Bus
	disp     *dispatch.Service

	httpSrv *http.Server

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		tick, err := config.ParseDurationOrDefault("dispatch.tick_interval", c.Dispatch.TickInterval, dispatch.DefaultTickInterval)
		if err != nil {
			return err
		}
		if tick < 100*time.Millisecond {
			return fmt.Errorf("dispatch.tick_interval: must be >= 100ms")
		}
		return nil
	})

	gw, err := openStorage(cfg.Storage, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	closeOnErr := func() {
		if gw != nil {
			_ = gw.Close()
		}
		logSvc.Close()
	}

	storeCfg, err := storeConfig(cfg.Dispatch)
	if err != nil {
		closeOnErr()
		return nil, err
	}
	st := store.New(storeCfg, gw, log.With(logx.String("comp", "store")))

	roster := worker.DefaultRoster()
	if len(cfg.Workers) > 0 {
		roster = rosterFromConfig(cfg.Workers)
	}
	registry := worker.NewRegistry(roster)

	backends := backend.NewRegistry()
	registerBackends(backends, cfg.Backends, log)

	dispCfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	bus := eventbus.New()
	disp := dispatch.New(dispCfg, st, registry, backends, bus, log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		logSvc:   logSvc,
		log:      log,
		gw:       gw,
		st:       st,
		registry: registry,
		backends: backends,
		bus:      bus,
		disp:     disp,
	}

	if cfg.API.Enabled {
		srv, err := a.buildHTTPServer(cfg.API)
		if err != nil {
			closeOnErr()
			return nil, err
		}
		a.httpSrv = srv
	}
	return a, nil
}

// Done is closed when the app supervisor context dies (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// Restore state before anything can dispatch.
	perf, err := a.st.Load(a.sup.Context())
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	a.registry.RestorePerformance(perfMap(perf))

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("events", a.eventLog)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)

	if a.httpSrv != nil {
		a.sup.Go("http", a.serveHTTP)
		a.log.Info("http api listening", logx.String("addr", a.httpSrv.Addr))
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if err := a.disp.Stop(ctx); err != nil {
		firstErr = err
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.gw != nil {
		if err := a.gw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	a.logSvc.Close()
	return firstErr
}

// eventLog drains the bus so lifecycle events show up in the logs even when
// no other subscriber is attached.
func (a *App) eventLog(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debug(e.Type, logx.Time("at", e.Time), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies committed config changes to the live services.
// Logging and dispatch settings take effect immediately; storage, roster,
// backends and the API listener stay fixed until restart.
func (a *App) reloadLoop(ctx context.Context) error {
	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-updates:
			if !ok {
				return nil
			}
			a.logSvc.Apply(logConfig(cfg.Logging))
			if dispCfg, err := dispatchConfig(cfg.Dispatch); err == nil {
				a.disp.Apply(dispCfg)
			} else {
				a.log.Warn("reload: dispatch settings rejected", logx.Err(err))
			}
		}
	}
}

func (a *App) buildHTTPServer(cfg config.APIConfig) (*http.Server, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAPIAddr
	}
	readTimeout, err := config.ParseDurationOrDefault("api.read_timeout", cfg.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("api.write_timeout", cfg.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.IdleTimeout, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(a.disp, a.log.With(logx.String("comp", "api"))),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ---- config mapping ----

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func openStorage(c *config.StorageConfig, log logx.Logger) (storage.Gateway, error) {
	if c == nil {
		return nil, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
}

func storeConfig(c config.DispatchConfig) (store.Config, error) {
	maxAge, err := config.ParseDurationOrDefault("dispatch.history_max_age", c.HistoryMaxAge, store.DefaultHistoryMaxAge)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		HistoryLimit:  c.HistorySize,
		HistoryMaxAge: maxAge,
	}, nil
}

func dispatchConfig(c config.DispatchConfig) (dispatch.Config, error) {
	tick, err := config.ParseDurationOrDefault("dispatch.tick_interval", c.TickInterval, dispatch.DefaultTickInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.exec_timeout", c.ExecTimeout, dispatch.DefaultExecTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("dispatch.retry_backoff", c.RetryBackoff, dispatch.DefaultRetryBackoff)
	if err != nil {
		return dispatch.Config{}, err
	}
	heartbeat, err := config.ParseDurationOrDefault("dispatch.heartbeat_interval", c.HeartbeatInterval, dispatch.DefaultHeartbeatInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:           c.Enabled,
		TickInterval:      tick,
		ExecTimeout:       timeout,
		RetryBackoff:      backoff,
		HeartbeatInterval: heartbeat,
		MaxDispatchPerSec: c.MaxDispatchPerSec,
	}, nil
}

func rosterFromConfig(specs []config.WorkerSpec) []worker.Worker {
	out := make([]worker.Worker, 0, len(specs))
	for _, s := range specs {
		out = append(out, worker.Worker{
			ID:           s.ID,
			Name:         s.Name,
			Kind:         worker.Kind(s.Kind),
			Capabilities: append([]string(nil), s.Capabilities...),
		})
	}
	return out
}

func registerBackends(reg *backend.Registry, specs []config.BackendSpec, log logx.Logger) {
	for _, s := range specs {
		kind := task.Kind(strings.TrimSpace(s.Kind))
		switch strings.TrimSpace(s.Type) {
		case "webhook":
			reg.Register(kind, backend.NewWebhook(s.URL, log.With(
				logx.String("comp", "backend"), logx.String("kind", string(kind)))))
		case "shell":
			reg.Register(kind, backend.NewShell(s.Command, s.Args, log.With(
				logx.String("comp", "backend"), logx.String("kind", string(kind)))))
		}
	}
	if kinds := reg.Kinds(); len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for _, k := range kinds {
			names = append(names, string(k))
		}
		log.Info("backends registered", logx.String("kinds", strings.Join(names, ",")))
	}
}

func perfMap(perf []storage.WorkerPerf) map[string]worker.Performance {
	out := make(map[string]worker.Performance, len(perf))
	for _, p := range perf {
		out[p.ID] = worker.Performance{
			TasksCompleted:   p.TasksCompleted,
			SuccessRate:      p.SuccessRate,
			AvgExecutionTime: p.AvgExecutionTime,
			LastHeartbeat:    p.LastHeartbeat,
		}
	}
	return out
}
