package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	key      string
	alive    atomic.Bool
	started  atomic.Int32
	stopped  atomic.Int32
	startErr error
	// lingers keeps Done open after Stop until exit is called.
	lingers  bool
	done     chan struct{}
	doneOnce sync.Once
}

func (r *fakeRunner) exit() { r.doneOnce.Do(func() { close(r.done) }) }

func (r *fakeRunner) Done() <-chan struct{} { return r.done }

func (r *fakeRunner) Key() string { return r.key }

func (r *fakeRunner) Start(context.Context) error {
	r.started.Add(1)
	if r.startErr != nil {
		r.exit()
		return r.startErr
	}
	r.alive.Store(true)
	return nil
}

func (r *fakeRunner) Stop() {
	r.stopped.Add(1)
	r.alive.Store(false)
	if !r.lingers {
		r.exit()
	}
}

func (r *fakeRunner) Alive(time.Time) bool { return r.alive.Load() }

func (r *fakeRunner) Status() worker.Status {
	state := "IDLE"
	if r.stopped.Load() > 0 {
		state = "STOPPED"
	}
	return worker.Status{Key: r.key, State: state, Alive: r.alive.Load()}
}

type fakeKind struct {
	name string

	mu       sync.Mutex
	keys     []string
	err      error
	panicMsg string
	runners  []*fakeRunner
	startErr error
	lingers  bool
}

func (k *fakeKind) Name() string { return k.name }

func (k *fakeKind) set(keys ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = keys
	k.err = nil
}

func (k *fakeKind) fail(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

func (k *fakeKind) Discover(context.Context) ([]discovery.EntitySummary, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.panicMsg != "" {
		panic(k.panicMsg)
	}
	if k.err != nil {
		return nil, k.err
	}
	out := make([]discovery.EntitySummary, 0, len(k.keys))
	for _, key := range k.keys {
		out = append(out, discovery.EntitySummary{Kind: k.name, Key: key, ID: key})
	}
	return out, nil
}

func (k *fakeKind) NewWorker(entity discovery.EntitySummary) (Runner, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := &fakeRunner{key: entity.Key, startErr: k.startErr, lingers: k.lingers, done: make(chan struct{})}
	k.runners = append(k.runners, r)
	return r, nil
}

func (k *fakeKind) runnersFor(key string) []*fakeRunner {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []*fakeRunner
	for _, r := range k.runners {
		if r.key == key {
			out = append(out, r)
		}
	}
	return out
}

type fakeBus struct {
	closed atomic.Int32
}

func (b *fakeBus) Close() { b.closed.Add(1) }

func newTestSupervisor(t *testing.T, bus Bus, kinds ...Kind) *Supervisor {
	t.Helper()
	s, err := New(Config{DiscoveryInterval: time.Hour}, kinds, bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func registered(s *Supervisor, kind string) map[string]Runner {
	for _, ks := range s.kinds {
		if ks.kind.Name() == kind {
			return ks.workers
		}
	}
	return nil
}

func TestPassSpawnsOneWorkerPerKey(t *testing.T) {
	battles := &fakeKind{name: "battles"}
	battles.set("battle-1", "battle-2", "battle-1")
	s := newTestSupervisor(t, nil, battles)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Pass(ctx)
	}

	workers := registered(s, "battles")
	assert.Len(t, workers, 2)
	assert.Len(t, battles.runnersFor("battle-1"), 1)
	assert.Len(t, battles.runnersFor("battle-2"), 1)

	st := s.Status()
	assert.Equal(t, 3, st.Passes)
	require.Len(t, st.Kinds, 1)
	assert.Equal(t, 2, st.Kinds[0].Workers)
	assert.Equal(t, 2, st.Kinds[0].Alive)
	assert.Equal(t, 2, st.Kinds[0].Spawned)
	assert.Equal(t, []string{"battle-1", "battle-2"}, []string{st.Kinds[0].Entities[0].Key, st.Kinds[0].Entities[1].Key})
	assert.True(t, st.AllAlive())
}

func TestDeadWorkerIsReplaced(t *testing.T) {
	battles := &fakeKind{name: "battles"}
	battles.set("battle-1")
	s := newTestSupervisor(t, nil, battles)
	ctx := context.Background()

	s.Pass(ctx)
	first := battles.runnersFor("battle-1")[0]
	first.alive.Store(false)

	s.Pass(ctx)

	runners := battles.runnersFor("battle-1")
	require.Len(t, runners, 2)
	assert.Equal(t, int32(1), first.stopped.Load())
	assert.Same(t, runners[1], registered(s, "battles")["battle-1"])
	assert.Len(t, registered(s, "battles"), 1)
	assert.Equal(t, 1, s.Status().Kinds[0].Restarted)
}

func TestMissingEntitiesAreRetired(t *testing.T) {
	battles := &fakeKind{name: "battles"}
	battles.set("battle-1", "battle-2")
	s := newTestSupervisor(t, nil, battles)
	ctx := context.Background()

	s.Pass(ctx)
	battles.set("battle-2")
	s.Pass(ctx)

	assert.Equal(t, int32(1), battles.runnersFor("battle-1")[0].stopped.Load())
	assert.Zero(t, battles.runnersFor("battle-2")[0].stopped.Load())
	assert.Len(t, registered(s, "battles"), 1)
	assert.Equal(t, 1, s.Status().Kinds[0].Retired)
}

func TestFailedDiscoveryRetiresNothing(t *testing.T) {
	battles := &fakeKind{name: "battles"}
	parties := &fakeKind{name: "parties"}
	battles.set("battle-1")
	parties.set("7-0xabc")
	s := newTestSupervisor(t, nil, battles, parties)
	ctx := context.Background()

	s.Pass(ctx)
	battles.fail(errors.New("indexer unavailable"))
	parties.set("7-0xabc", "8-0xdef")
	s.Pass(ctx)

	assert.Len(t, registered(s, "battles"), 1)
	assert.Zero(t, battles.runnersFor("battle-1")[0].stopped.Load())
	assert.Len(t, registered(s, "parties"), 2, "a failing kind must not block the others")

	st := s.Status()
	assert.Equal(t, "indexer unavailable", st.Kinds[0].LastError)
	assert.Empty(t, st.Kinds[1].LastError)
}

func TestPanickingKindIsIsolated(t *testing.T) {
	broken := &fakeKind{name: "broken", panicMsg: "boom"}
	parties := &fakeKind{name: "parties"}
	parties.set("7-0xabc")
	s := newTestSupervisor(t, nil, broken, parties)

	assert.NotPanics(t, func() { s.Pass(context.Background()) })
	assert.Len(t, registered(s, "parties"), 1)
	assert.Contains(t, s.Status().Kinds[0].LastError, "boom")
}

func TestWorkerThatFailsToStartIsNotRegistered(t *testing.T) {
	battles := &fakeKind{name: "battles", startErr: errors.New("bus closed")}
	battles.set("battle-1")
	s := newTestSupervisor(t, nil, battles)

	s.Pass(context.Background())
	assert.Empty(t, registered(s, "battles"))
	assert.Equal(t, int32(1), battles.runnersFor("battle-1")[0].stopped.Load())
}

func TestDuplicateKindNames(t *testing.T) {
	_, err := New(Config{}, []Kind{&fakeKind{name: "battles"}, &fakeKind{name: "battles"}}, nil, nil)
	assert.ErrorContains(t, err, "duplicate kind")
}

func TestStopShutsDownWorkersThenBus(t *testing.T) {
	battles := &fakeKind{name: "battles"}
	battles.set("battle-1", "battle-2")
	bus := &fakeBus{}
	s := newTestSupervisor(t, bus, battles)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.Status().Passes >= 1 }, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()
	require.NoError(t, <-runErr)

	for _, key := range []string{"battle-1", "battle-2"} {
		assert.Equal(t, int32(1), battles.runnersFor(key)[0].stopped.Load())
	}
	assert.Empty(t, registered(s, "battles"))
	assert.Equal(t, int32(1), bus.closed.Load())
	st := s.Status()
	assert.True(t, st.Stopped)
	assert.Zero(t, st.Kinds[0].Workers)
}

func TestStopWaitsForWorkersToExit(t *testing.T) {
	battles := &fakeKind{name: "battles", lingers: true}
	battles.set("battle-1")
	bus := &fakeBus{}
	s, err := New(Config{DiscoveryInterval: time.Hour, StopGrace: 5 * time.Second}, []Kind{battles}, bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Pass(context.Background())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		return battles.runnersFor("battle-1")[0].stopped.Load() == 1
	}, time.Second, time.Millisecond)

	select {
	case <-stopped:
		t.Fatal("stop returned before the worker exited")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, bus.closed.Load())

	battles.runnersFor("battle-1")[0].exit()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after the worker exited")
	}
	assert.Equal(t, int32(1), bus.closed.Load())
}

func TestStopGivesUpOnLingeringWorkers(t *testing.T) {
	battles := &fakeKind{name: "battles", lingers: true}
	battles.set("battle-1", "battle-2")
	bus := &fakeBus{}
	s, err := New(Config{DiscoveryInterval: time.Hour, StopGrace: 30 * time.Millisecond}, []Kind{battles}, bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Pass(context.Background())

	start := time.Now()
	s.Stop()
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), bus.closed.Load())
	assert.True(t, s.Status().Stopped)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	battles := &fakeKind{name: "battles"}
	battles.set("battle-1")
	bus := &fakeBus{}
	s, err := New(Config{DiscoveryInterval: 10 * time.Millisecond}, []Kind{battles}, bus, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Status().Passes >= 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-runErr)
	assert.Equal(t, int32(1), bus.closed.Load())
	assert.Len(t, battles.runnersFor("battle-1"), 1)
}

// The supervisor replaces a real worker whose loop stopped evaluating.
func TestLivenessRestartWithRealWorker(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var built []*worker.Worker
	kind := &workerKind{
		name: "battles",
		keys: []string{"battle-1"},
		build: func(entity discovery.EntitySummary) (Runner, error) {
			w, err := worker.New(worker.Config{
				Kind:              "battles",
				Key:               entity.Key,
				TickInterval:      time.Hour,
				LivenessThreshold: 30 * time.Second,
				Clock:             clock,
				Evaluator: worker.EvaluatorFunc(func(context.Context, string) (worker.Decision, error) {
					return worker.Decision{}, nil
				}),
				Executor: nopExecutor{},
			}, zaptest.NewLogger(t))
			if err == nil {
				built = append(built, w)
			}
			return w, err
		},
	}
	s, err := New(Config{DiscoveryInterval: time.Hour, Clock: clock}, []Kind{kind}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	s.Pass(context.Background())
	require.Len(t, built, 1)

	clock.advance(10 * time.Second)
	s.Pass(context.Background())
	require.Len(t, built, 1, "a fresh worker is not replaced")

	clock.advance(31 * time.Second)
	s.Pass(context.Background())
	require.Len(t, built, 2)
	assert.Equal(t, worker.StateStopped, built[0].State())
	assert.Len(t, registered(s, "battles"), 1)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type workerKind struct {
	name  string
	keys  []string
	build func(discovery.EntitySummary) (Runner, error)
}

func (k *workerKind) Name() string { return k.name }

func (k *workerKind) Discover(context.Context) ([]discovery.EntitySummary, error) {
	out := make([]discovery.EntitySummary, 0, len(k.keys))
	for _, key := range k.keys {
		out = append(out, discovery.EntitySummary{Kind: k.name, Key: key})
	}
	return out, nil
}

func (k *workerKind) NewWorker(entity discovery.EntitySummary) (Runner, error) {
	return k.build(entity)
}

type nopExecutor struct{}

func (nopExecutor) Submit(context.Context, action.Intent) (action.TxHandle, error) {
	return action.TxHandle{}, nil
}

func (nopExecutor) AwaitConfirmation(context.Context, action.TxHandle) (action.Receipt, error) {
	return action.Receipt{}, nil
}

// stuckKind never answers discovery and ignores its context.
type stuckKind struct {
	release chan struct{}
}

func (k *stuckKind) Name() string { return "stuck" }

func (k *stuckKind) Discover(context.Context) ([]discovery.EntitySummary, error) {
	<-k.release
	return nil, nil
}

func (k *stuckKind) NewWorker(discovery.EntitySummary) (Runner, error) {
	return nil, errors.New("unexpected worker")
}

func TestStuckDiscoveryDoesNotBlockOtherKinds(t *testing.T) {
	stuck := &stuckKind{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	parties := &fakeKind{name: "parties"}
	parties.set("7-0xabc")

	s, err := New(Config{DiscoveryInterval: time.Hour, DiscoverTimeout: 50 * time.Millisecond},
		[]Kind{stuck, parties}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	passed := make(chan struct{})
	go func() {
		s.Pass(context.Background())
		close(passed)
	}()
	select {
	case <-passed:
	case <-time.After(2 * time.Second):
		t.Fatal("pass blocked on a stuck kind")
	}

	assert.Len(t, registered(s, "parties"), 1)
	st := s.Status()
	assert.Contains(t, st.Kinds[0].LastError, "deadline exceeded")
	assert.Empty(t, st.Kinds[1].LastError)
}
