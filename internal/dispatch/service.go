// Package dispatch runs the scheduling core: a single ticking loop that
// scans the store for due work, matches it to workers, and executes it on
// pluggable backends with retry/backoff bookkeeping.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/backend"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	"dispatchd/internal/store"
	"dispatchd/internal/task"
	"dispatchd/internal/worker"
	logx "dispatchd/pkg/logx"
)

const (
	DefaultTickInterval      = 10 * time.Second
	DefaultExecTimeout       = 5 * time.Minute
	DefaultRetryBackoff      = 60 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

type Config struct {
	Enabled bool

	TickInterval      time.Duration
	ExecTimeout       time.Duration
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration

	// MaxDispatchPerSec throttles execution launches across ticks.
	// 0 disables the throttle.
	MaxDispatchPerSec float64
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Service is the dispatch loop plus the public task API consumed by HTTP/CLI
// layers. Construct with New, then Start/Stop.
type Service struct {
	st       *store.Store
	registry *worker.Registry
	backends *backend.Registry
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	inFlight  map[string]string // task id -> worker id
	running   bool
	ticks     uint64
	startedAt time.Time

	sup  *supervisor.Supervisor
	wg   sync.WaitGroup // outstanding executions
	stop context.CancelFunc
}

func New(cfg Config, st *store.Store, registry *worker.Registry, backends *backend.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		st:       st,
		registry: registry,
		backends: backends,
		bus:      bus,
		log:      log.With(logx.String("svc", "dispatch")),
		now:      time.Now,
		cfg:      cfg,
		inFlight: make(map[string]string),
	}
	if cfg.MaxDispatchPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxDispatchPerSec), 1)
	}
	st.SetPerfSource(s.perfSnapshot)
	return s
}

// SetClock replaces the time source; call before Start.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) perfSnapshot() []storage.WorkerPerf {
	ws := s.registry.Workers()
	out := make([]storage.WorkerPerf, 0, len(ws))
	for _, w := range ws {
		out = append(out, storage.WorkerPerf{
			ID:               w.ID,
			TasksCompleted:   w.Performance.TasksCompleted,
			SuccessRate:      w.Performance.SuccessRate,
			AvgExecutionTime: w.Performance.AvgExecutionTime,
			LastHeartbeat:    w.Performance.LastHeartbeat,
		})
	}
	return out
}

// Start launches the tick and heartbeat loops. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("dispatch disabled by config")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel
	s.sup = supervisor.New(runCtx, supervisor.WithLogger(s.log))
	s.running = true
	s.startedAt = s.now()
	s.mu.Unlock()

	s.sup.GoRestart("dispatch.tick", s.tickLoop)
	s.sup.GoRestart("dispatch.heartbeat", s.heartbeatLoop)
	s.log.Info("dispatch started",
		logx.Duration("tick_interval", s.cfg.TickInterval),
		logx.Duration("exec_timeout", s.cfg.ExecTimeout))
	return nil
}

// Stop cancels the loops and waits for in-flight executions, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	cancel := s.stop
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for in-flight executions")
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("dispatch stop: %w", err)
		}
	}
	s.log.Info("dispatch stopped")
	return nil
}

// Apply updates runtime-tunable settings on config reload. The tick loop
// picks up a changed interval on its next firing.
func (s *Service) Apply(cfg Config) {
	cfg.applyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.TickInterval = cfg.TickInterval
	s.cfg.ExecTimeout = cfg.ExecTimeout
	s.cfg.RetryBackoff = cfg.RetryBackoff
	s.cfg.HeartbeatInterval = cfg.HeartbeatInterval
	if cfg.MaxDispatchPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxDispatchPerSec), 1)
	} else {
		s.limiter = nil
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) tickLoop(ctx context.Context) error {
	// A timer armed after each tick, not a ticker: the next firing is only
	// scheduled once the current tick returns, so a tick that outlasts the
	// interval skips the missed firings instead of replaying them.
	timer := time.NewTimer(s.config().TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.config().TickInterval)
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) error {
	interval := s.config().HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.registry.Heartbeat(s.now())
			if next := s.config().HeartbeatInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// ---- public task API ----

func (s *Service) CreateTask(ctx context.Context, spec task.Task) (string, error) {
	return s.st.CreateTask(ctx, spec)
}

func (s *Service) CreateScheduledTask(ctx context.Context, spec task.Task, sched task.Schedule) (string, error) {
	return s.st.CreateScheduledTask(ctx, spec, sched)
}

func (s *Service) CreateDailyTask(ctx context.Context, name, description string, kind task.Kind, payload task.Payload, dur store.DailyDuration, timeOfDay string, opts store.DailyOptions) (string, error) {
	return s.st.CreateDailyTask(ctx, name, description, kind, payload, dur, timeOfDay, opts)
}

func (s *Service) PauseTask(ctx context.Context, id string) bool  { return s.st.Pause(ctx, id) }
func (s *Service) ResumeTask(ctx context.Context, id string) bool { return s.st.Resume(ctx, id) }
func (s *Service) CancelTask(ctx context.Context, id string) bool { return s.st.Cancel(ctx, id) }

func (s *Service) Tasks() []task.Task                   { return s.st.Tasks() }
func (s *Service) GetTask(id string) (task.Task, bool)  { return s.st.Get(id) }
func (s *Service) ScheduledTasks() []task.ScheduledTask { return s.st.ScheduledTasks() }
func (s *Service) GetScheduledTask(id string) (task.ScheduledTask, bool) {
	return s.st.GetScheduled(id)
}
func (s *Service) Workers() []worker.Worker { return s.registry.Workers() }

// KindInfo describes one task kind: the capabilities a worker needs to serve
// it and whether an execution backend is registered for it.
type KindInfo struct {
	Kind         task.Kind `json:"kind"`
	Capabilities []string  `json:"capabilities"`
	HasBackend   bool      `json:"has_backend"`
}

// Kinds reports the known task kinds plus any extra kinds that only exist as
// registered backends.
func (s *Service) Kinds() []KindInfo {
	registered := make(map[task.Kind]bool)
	for _, k := range s.backends.Kinds() {
		registered[k] = true
	}
	out := make([]KindInfo, 0, len(registered)+6)
	for _, k := range task.Kinds() {
		out = append(out, KindInfo{
			Kind:         k,
			Capabilities: worker.RequiredCapabilities(k),
			HasBackend:   registered[k],
		})
		delete(registered, k)
	}
	for _, k := range s.backends.Kinds() {
		if registered[k] {
			out = append(out, KindInfo{Kind: k, HasBackend: true})
		}
	}
	return out
}

// Status aggregates counts for the status endpoint.
type Status struct {
	Running     bool                `json:"running"`
	Uptime      string              `json:"uptime,omitempty"`
	Ticks       uint64              `json:"ticks"`
	InFlight    int                 `json:"in_flight"`
	Workers     int                 `json:"workers"`
	IdleWorkers int                 `json:"idle_workers"`
	MemoryOnly  bool                `json:"memory_only"`
	Tasks       map[task.Status]int `json:"tasks"`
	Scheduled   map[task.Status]int `json:"scheduled"`
}

func (s *Service) Status() Status {
	counts := s.st.Counts()
	ws := s.registry.Workers()
	idle := 0
	for _, w := range ws {
		if w.IsActive && w.CurrentTask == "" {
			idle++
		}
	}
	s.mu.Lock()
	running := s.running
	inFlight := len(s.inFlight)
	ticks := s.ticks
	startedAt := s.startedAt
	s.mu.Unlock()

	uptime := ""
	if running && !startedAt.IsZero() {
		uptime = s.now().Sub(startedAt).Round(time.Second).String()
	}
	return Status{
		Running:     running,
		Uptime:      uptime,
		Ticks:       ticks,
		InFlight:    inFlight,
		Workers:     len(ws),
		IdleWorkers: idle,
		MemoryOnly:  s.st.MemoryOnly(),
		Tasks:       counts.Tasks,
		Scheduled:   counts.Scheduled,
	}
}
