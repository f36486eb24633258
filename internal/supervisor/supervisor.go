// Package supervisor keeps one live worker per discovered entity.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
	"go.uber.org/zap"
)

// Runner is a managed per-entity worker.
type Runner interface {
	Key() string
	Start(ctx context.Context) error
	Stop()
	Alive(now time.Time) bool
	Status() worker.Status
	// Done is closed once the runner has fully exited after Stop.
	Done() <-chan struct{}
}

var _ Runner = (*worker.Worker)(nil)

// Kind discovers the entities of one kind and builds their workers.
type Kind interface {
	Name() string
	Discover(ctx context.Context) ([]discovery.EntitySummary, error)
	NewWorker(entity discovery.EntitySummary) (Runner, error)
}

// Bus is torn down after every worker has stopped.
type Bus interface {
	Close()
}

// Config holds supervisor timing.
type Config struct {
	DiscoveryInterval time.Duration
	// DiscoverTimeout bounds one kind's discovery query within a pass.
	DiscoverTimeout time.Duration
	// StopGrace bounds how long shutdown waits for stopped workers to exit before the
	// bus is closed.
	StopGrace time.Duration
	Clock     worker.Clock
}

// KindStatus summarises the workers of one kind.
type KindStatus struct {
	Kind            string          `json:"kind"`
	Workers         int             `json:"workers"`
	Alive           int             `json:"alive"`
	Spawned         int             `json:"spawned"`
	Restarted       int             `json:"restarted"`
	Retired         int             `json:"retired"`
	LastDiscoveryAt time.Time       `json:"last_discovery_at,omitzero"`
	LastError       string          `json:"last_error,omitempty"`
	Entities        []worker.Status `json:"entities"`
}

// Status is the snapshot published after every pass.
type Status struct {
	Passes     int          `json:"passes"`
	LastPassAt time.Time    `json:"last_pass_at,omitzero"`
	Stopped    bool         `json:"stopped"`
	Kinds      []KindStatus `json:"kinds"`
}

// AllAlive reports whether every registered worker was alive at the last pass.
func (s Status) AllAlive() bool {
	for _, k := range s.Kinds {
		if k.Alive != k.Workers {
			return false
		}
	}
	return true
}

type kindState struct {
	kind    Kind
	workers map[string]Runner

	spawned         int
	restarted       int
	retired         int
	lastDiscoveryAt time.Time
	lastErr         error
}

// Supervisor maps discovered entities onto workers. The registry is owned by whichever
// goroutine runs Run (or Pass); it is never shared.
type Supervisor struct {
	cfg    Config
	kinds  []*kindState
	bus    Bus
	logger *zap.Logger

	passes   int
	snapshot atomic.Pointer[Status]

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	shutOnce sync.Once
}

// New creates a supervisor for kinds. bus may be nil.
func New(cfg Config, kinds []Kind, bus Bus, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Second
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = worker.SystemClock
	}

	seen := make(map[string]struct{}, len(kinds))
	states := make([]*kindState, 0, len(kinds))
	for _, k := range kinds {
		if _, dup := seen[k.Name()]; dup {
			return nil, fmt.Errorf("duplicate kind %q", k.Name())
		}
		seen[k.Name()] = struct{}{}
		states = append(states, &kindState{kind: k, workers: make(map[string]Runner)})
	}

	s := &Supervisor{
		cfg:    cfg,
		kinds:  states,
		bus:    bus,
		logger: logger.With(zap.String("component", "supervisor")),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.publish(false)
	return s, nil
}

// Run performs a pass immediately and then every DiscoveryInterval until ctx is done or
// Stop is called. It shuts every worker down and closes the bus before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}
	defer close(s.done)
	defer s.shutdown()

	select {
	case <-s.quit:
		return nil
	default:
	}

	s.logger.Info("supervisor started",
		zap.Int("kinds", len(s.kinds)),
		zap.Duration("interval", s.cfg.DiscoveryInterval),
	)
	s.Pass(ctx)

	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Stop ends Run and waits for the shutdown to finish. Without a running loop it shuts
// down directly.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	if s.running.Load() {
		<-s.done
		return
	}
	s.shutdown()
}

// Status returns the snapshot published after the most recent pass.
func (s *Supervisor) Status() Status {
	return *s.snapshot.Load()
}

// Pass reconciles every kind once. Kinds are processed sequentially and one kind's failure
// never blocks the others. Pass must not run concurrently with Run.
func (s *Supervisor) Pass(ctx context.Context) {
	for _, ks := range s.kinds {
		if ctx.Err() != nil {
			break
		}
		s.reconcile(ctx, ks)
	}
	s.passes++
	s.publish(false)
}

func (s *Supervisor) reconcile(ctx context.Context, ks *kindState) {
	name := ks.kind.Name()
	logger := s.logger.With(zap.String("kind", name))

	defer func() {
		if r := recover(); r != nil {
			ks.lastErr = fmt.Errorf("panic: %v", r)
			logger.Error("discovery pass panicked", zap.Any("panic", r))
		}
	}()

	candidates, err := s.discover(ctx, ks.kind)
	if err != nil {
		ks.lastErr = err
		logger.Warn("discovery failed, keeping current workers", zap.Error(err))
		return
	}
	ks.lastErr = nil
	ks.lastDiscoveryAt = s.cfg.Clock.Now()

	now := s.cfg.Clock.Now()
	wanted := make(map[string]struct{}, len(candidates))
	var spawned, restarted, retired int

	for _, entity := range candidates {
		if _, dup := wanted[entity.Key]; dup {
			continue
		}
		wanted[entity.Key] = struct{}{}

		if existing, ok := ks.workers[entity.Key]; ok {
			if existing.Alive(now) {
				continue
			}
			st := existing.Status()
			logger.Warn("worker not alive, replacing",
				zap.String("key", entity.Key),
				zap.String("state", st.State),
				zap.Bool("done", st.Done),
				zap.Time("last_checked_at", st.LastCheckedAt),
			)
			existing.Stop()
			delete(ks.workers, entity.Key)
			restarted++
		}

		if s.spawn(ctx, ks, entity, logger) {
			spawned++
		}
	}

	for key, w := range ks.workers {
		if _, ok := wanted[key]; ok {
			continue
		}
		w.Stop()
		delete(ks.workers, key)
		retired++
		logger.Info("worker retired", zap.String("key", key))
	}

	ks.spawned += spawned
	ks.restarted += restarted
	ks.retired += retired
	if spawned > 0 || retired > 0 {
		logger.Info("discovery pass",
			zap.Int("candidates", len(wanted)),
			zap.Int("spawned", spawned),
			zap.Int("restarted", restarted),
			zap.Int("retired", retired),
			zap.Int("workers", len(ks.workers)),
		)
	}
}

type discoverResult struct {
	entities []discovery.EntitySummary
	err      error
}

// discover runs one kind's query under DiscoverTimeout. A kind that ignores its context is
// abandoned at the deadline; its late result is dropped.
func (s *Supervisor) discover(ctx context.Context, kind Kind) ([]discovery.EntitySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoverTimeout)
	defer cancel()

	ch := make(chan discoverResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- discoverResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		entities, err := kind.Discover(ctx)
		ch <- discoverResult{entities: entities, err: err}
	}()

	select {
	case r := <-ch:
		return r.entities, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("discovery abandoned after %s: %w", s.cfg.DiscoverTimeout, ctx.Err())
	}
}

func (s *Supervisor) spawn(ctx context.Context, ks *kindState, entity discovery.EntitySummary, logger *zap.Logger) bool {
	w, err := ks.kind.NewWorker(entity)
	if err != nil {
		logger.Warn("failed to build worker", zap.String("key", entity.Key), zap.Error(err))
		return false
	}
	if w.Key() != entity.Key {
		logger.Error("worker key does not match entity",
			zap.String("key", entity.Key),
			zap.String("worker_key", w.Key()),
		)
		w.Stop()
		return false
	}
	if err := w.Start(ctx); err != nil {
		logger.Warn("failed to start worker", zap.String("key", entity.Key), zap.Error(err))
		w.Stop()
		return false
	}
	ks.workers[entity.Key] = w
	logger.Debug("worker spawned", zap.String("key", entity.Key))
	return true
}

// shutdown stops every worker, clears the registry and then closes the bus.
func (s *Supervisor) shutdown() {
	s.shutOnce.Do(func() {
		var stopped []Runner
		for _, ks := range s.kinds {
			for key, w := range ks.workers {
				w.Stop()
				delete(ks.workers, key)
				stopped = append(stopped, w)
			}
		}
		lingering := s.awaitExit(stopped)
		if s.bus != nil {
			s.bus.Close()
		}
		s.publish(true)
		s.logger.Info("supervisor stopped",
			zap.Int("workers_stopped", len(stopped)),
			zap.Int("workers_lingering", lingering),
		)
	})
}

// awaitExit waits up to StopGrace for every stopped runner to exit and returns how many
// were still running at the deadline.
func (s *Supervisor) awaitExit(runners []Runner) int {
	deadline := time.NewTimer(s.cfg.StopGrace)
	defer deadline.Stop()

	for i, r := range runners {
		select {
		case <-r.Done():
		case <-deadline.C:
			lingering := 0
			for _, rest := range runners[i:] {
				select {
				case <-rest.Done():
				default:
					lingering++
					s.logger.Warn("worker still running at shutdown", zap.String("key", rest.Key()))
				}
			}
			return lingering
		}
	}
	return 0
}

func (s *Supervisor) publish(stopped bool) {
	now := s.cfg.Clock.Now()
	st := &Status{
		Passes:  s.passes,
		Stopped: stopped,
		Kinds:   make([]KindStatus, 0, len(s.kinds)),
	}
	if s.passes > 0 {
		st.LastPassAt = now
	}
	for _, ks := range s.kinds {
		k := KindStatus{
			Kind:            ks.kind.Name(),
			Workers:         len(ks.workers),
			Spawned:         ks.spawned,
			Restarted:       ks.restarted,
			Retired:         ks.retired,
			LastDiscoveryAt: ks.lastDiscoveryAt,
			Entities:        make([]worker.Status, 0, len(ks.workers)),
		}
		if ks.lastErr != nil {
			k.LastError = ks.lastErr.Error()
		}
		for _, w := range ks.workers {
			ws := w.Status()
			if w.Alive(now) {
				k.Alive++
			}
			k.Entities = append(k.Entities, ws)
		}
		sort.Slice(k.Entities, func(i, j int) bool { return k.Entities[i].Key < k.Entities[j].Key })
		st.Kinds = append(st.Kinds, k)
	}
	s.snapshot.Store(st)
}
