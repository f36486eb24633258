// Package worker runs one actor per tracked entity. A worker re-evaluates its entity on a
// fixed tick and on matching chain events, and submits at most one action per action key
// within the dedup window.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/arenakeeper/keeper-server-go/internal/eventbus"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Start on a stopped worker.
	ErrStopped = errors.New("worker stopped")
	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("worker already started")
)

// State is the worker's position in its evaluation cycle.
type State int32

const (
	StateIdle State = iota
	StateEvaluating
	StateActing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateEvaluating:
		return "EVALUATING"
	case StateActing:
		return "ACTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Decision is the outcome of evaluating an entity.
type Decision struct {
	// Act requests submission of Intent under ActionKey.
	Act       bool
	ActionKey string
	Intent    action.Intent
	// Done reports the entity needs no further work; the worker stops itself.
	Done bool
}

// Evaluator reads the entity's current state and decides what to do.
type Evaluator interface {
	Evaluate(ctx context.Context, key string) (Decision, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, key string) (Decision, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, key string) (Decision, error) {
	return f(ctx, key)
}

// Events is the part of the event bus a worker uses.
type Events interface {
	Subscribe(ctx context.Context, sub eventbus.Subscription) (eventbus.UnsubscribeFunc, error)
}

// Ledger persists confirmed actions. Recent seeds the dedup cache on start.
type Ledger interface {
	Record(ctx context.Context, rec action.Record) error
	Recent(ctx context.Context, kind, key string, since time.Time) ([]action.Record, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Trigger subscribes the worker to one event. Match selects the logs that name this entity;
// nil matches every log.
type Trigger struct {
	EventName string
	Address   string
	Match     func(chain.Log) bool
}

// Config holds a worker's identity, timing and collaborators.
type Config struct {
	Kind string
	Key  string

	TickInterval      time.Duration
	DedupWindow       time.Duration
	GCHorizon         time.Duration
	LivenessThreshold time.Duration
	// ActTimeout bounds one submit plus confirmation wait.
	ActTimeout time.Duration

	Triggers  []Trigger
	Evaluator Evaluator
	Executor  action.Executor
	Events    Events
	// Ledger is optional.
	Ledger Ledger
	Clock  Clock
}

func (c Config) normalized() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
	if c.GCHorizon < c.DedupWindow {
		c.GCHorizon = 2 * c.DedupWindow
	}
	if c.LivenessThreshold <= 0 {
		c.LivenessThreshold = 30 * time.Second
	}
	if c.ActTimeout <= 0 {
		c.ActTimeout = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	return c
}

// Status is a point-in-time view of a worker.
type Status struct {
	Kind          string    `json:"kind"`
	Key           string    `json:"key"`
	State         string    `json:"state"`
	Alive         bool      `json:"alive"`
	Done          bool      `json:"done"`
	InFlight      bool      `json:"in_flight"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastActionAt  time.Time `json:"last_action_at,omitzero"`
	Actions       int       `json:"actions"`
	Dropped       int64     `json:"dropped_triggers"`
}

// Worker is the per-entity actor.
type Worker struct {
	cfg    Config
	logger *zap.Logger

	// triggers feeds the loop; capacity one coalesces bursts.
	triggers chan string
	inFlight atomic.Bool
	dropped  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	state         State
	started       bool
	completed     bool
	cancel        context.CancelFunc
	unsubs        []eventbus.UnsubscribeFunc
	lastCheckedAt time.Time
	lastActionAt  time.Time
	actingSince   time.Time
	actions       int
	// recentlyActed maps action key to the time the action was confirmed.
	recentlyActed map[string]time.Time
}

// New validates cfg and creates a worker. It does nothing until Start.
func New(cfg Config, logger *zap.Logger) (*Worker, error) {
	if cfg.Key == "" {
		return nil, errors.New("worker key is required")
	}
	if cfg.Evaluator == nil {
		return nil, errors.New("worker evaluator is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("worker executor is required")
	}
	if len(cfg.Triggers) > 0 && cfg.Events == nil {
		return nil, errors.New("worker triggers need an event source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()

	return &Worker{
		cfg:           cfg,
		logger:        logger.With(zap.String("kind", cfg.Kind), zap.String("key", cfg.Key)),
		triggers:      make(chan string, 1),
		done:          make(chan struct{}),
		recentlyActed: make(map[string]time.Time),
	}, nil
}

// Key returns the entity key.
func (w *Worker) Key() string { return w.cfg.Key }

// Done is closed once the worker loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start seeds the dedup cache, subscribes the triggers and starts the loop. The first
// evaluation is queued immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return ErrStarted
	}
	w.started = true
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.lastCheckedAt = w.cfg.Clock.Now()
	w.mu.Unlock()

	w.seed(ctx)

	for _, t := range w.cfg.Triggers {
		unsub, err := w.cfg.Events.Subscribe(ctx, eventbus.Subscription{
			EventName: t.EventName,
			Address:   t.Address,
			OnEvent:   w.onEvent(t),
		})
		if err != nil {
			w.Stop()
			close(w.done)
			return fmt.Errorf("subscribe %s: %w", t.EventName, err)
		}

		w.mu.Lock()
		if w.state == StateStopped {
			w.mu.Unlock()
			unsub()
			close(w.done)
			return ErrStopped
		}
		w.unsubs = append(w.unsubs, unsub)
		w.mu.Unlock()
	}

	go w.loop(ctx)
	w.enqueue("start")

	w.logger.Debug("worker started",
		zap.Int("triggers", len(w.cfg.Triggers)),
		zap.Duration("tick", w.cfg.TickInterval),
	)
	return nil
}

// Stop cancels the timer, removes every subscription and discards the dedup cache. It is
// idempotent and safe to call during an in-flight evaluation, whose result is then
// discarded. Stop does not wait for the loop to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.state = StateStopped
		cancel := w.cancel
		unsubs := w.unsubs
		w.unsubs = nil
		w.recentlyActed = make(map[string]time.Time)
		started := w.started
		w.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, unsub := range unsubs {
			unsub()
		}
		if !started {
			close(w.done)
		}
		w.logger.Debug("worker stopped")
	})
}

// Alive reports whether the worker is running and its loop has evaluated recently. A worker
// waiting for a confirmation counts as alive until ActTimeout expires.
func (w *Worker) Alive(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aliveLocked(now)
}

func (w *Worker) aliveLocked(now time.Time) bool {
	switch w.state {
	case StateStopped:
		return false
	case StateActing:
		if now.Sub(w.actingSince) <= w.cfg.ActTimeout {
			return true
		}
	}
	return now.Sub(w.lastCheckedAt) <= w.cfg.LivenessThreshold
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns a snapshot for introspection.
func (w *Worker) Status() Status {
	now := w.cfg.Clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Kind:          w.cfg.Kind,
		Key:           w.cfg.Key,
		State:         w.state.String(),
		Alive:         w.aliveLocked(now),
		Done:          w.completed,
		InFlight:      w.inFlight.Load(),
		LastCheckedAt: w.lastCheckedAt,
		LastActionAt:  w.lastActionAt,
		Actions:       w.actions,
		Dropped:       w.dropped.Load(),
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.evaluate(ctx, "tick")
		case source := <-w.triggers:
			w.evaluate(ctx, source)
		}
	}
}

func (w *Worker) onEvent(t Trigger) eventbus.Handler {
	return func(_ context.Context, logs []chain.Log) error {
		for _, l := range logs {
			if t.Match == nil || t.Match(l) {
				w.enqueue(t.EventName)
				return nil
			}
		}
		return nil
	}
}

// enqueue hands a trigger to the loop. Triggers that arrive while an evaluation is in
// flight are dropped.
func (w *Worker) enqueue(source string) bool {
	if w.inFlight.Load() {
		w.dropped.Add(1)
		w.logger.Debug("evaluation in flight, dropping trigger", zap.String("trigger", source))
		return false
	}
	select {
	case w.triggers <- source:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Debug("trigger already pending", zap.String("trigger", source))
		return false
	}
}

// evaluate runs one evaluation cycle. It never returns an error; failures are logged and
// the next trigger retries.
func (w *Worker) evaluate(ctx context.Context, source string) {
	if !w.inFlight.CompareAndSwap(false, true) {
		w.dropped.Add(1)
		w.logger.Debug("evaluation in flight, dropping trigger", zap.String("trigger", source))
		return
	}
	defer w.inFlight.Store(false)

	now := w.cfg.Clock.Now()
	if !w.transition(StateEvaluating, now) {
		return
	}
	defer w.transition(StateIdle, time.Time{})

	decision, err := w.cfg.Evaluator.Evaluate(ctx, w.cfg.Key)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("evaluation failed", zap.String("trigger", source), zap.Error(err))
		}
		return
	}

	switch {
	case decision.Done:
		w.logger.Info("entity needs no further work")
		w.mu.Lock()
		w.completed = true
		w.mu.Unlock()
		w.Stop()
	case !decision.Act:
	case w.recentlyActedOn(decision.ActionKey, w.cfg.Clock.Now()):
		w.logger.Debug("action recently taken, skipping",
			zap.String("action_key", decision.ActionKey),
			zap.String("trigger", source),
		)
	default:
		w.act(ctx, decision, source)
	}
}

// transition moves to state unless the worker is stopped. Entering Evaluating stamps
// lastCheckedAt and purges expired dedup entries.
func (w *Worker) transition(state State, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return false
	}
	w.state = state
	switch state {
	case StateEvaluating:
		w.lastCheckedAt = now
		for key, at := range w.recentlyActed {
			if now.Sub(at) > w.cfg.GCHorizon {
				delete(w.recentlyActed, key)
			}
		}
	case StateActing:
		w.actingSince = now
	}
	return true
}

func (w *Worker) recentlyActedOn(actionKey string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.recentlyActed[actionKey]
	return ok && now.Sub(at) < w.cfg.DedupWindow
}

// act submits the intent and waits for confirmation on a context that Stop does not
// cancel. Results that arrive after Stop are discarded.
func (w *Worker) act(ctx context.Context, decision Decision, source string) {
	if !w.transition(StateActing, w.cfg.Clock.Now()) {
		return
	}

	intent := decision.Intent
	if intent.Kind == "" {
		intent.Kind = w.cfg.Kind
	}
	if intent.Key == "" {
		intent.Key = w.cfg.Key
	}
	intent.ActionKey = decision.ActionKey

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ActTimeout)
	defer cancel()

	logger := w.logger.With(
		zap.String("action_key", decision.ActionKey),
		zap.String("method", intent.Method),
		zap.String("trigger", source),
	)
	logger.Info("submitting action")

	receipt, err := w.submit(actx, intent)
	now := w.cfg.Clock.Now()

	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		logger.Info("worker stopped during action, discarding result", zap.Error(err))
		return
	}
	switch {
	case err == nil:
		w.recentlyActed[decision.ActionKey] = now
		w.lastActionAt = now
		w.actions++
	case action.IsStateMismatch(err):
		// Another actor advanced the entity; do not retry this key within the window.
		w.recentlyActed[decision.ActionKey] = now
	}
	w.mu.Unlock()

	switch {
	case err == nil:
		logger.Info("action confirmed",
			zap.String("tx_hash", receipt.TxHash),
			zap.Uint64("block", receipt.BlockNumber),
		)
		w.record(actx, action.Record{
			Kind:        w.cfg.Kind,
			Key:         w.cfg.Key,
			ActionKey:   decision.ActionKey,
			TxHash:      receipt.TxHash,
			BlockNumber: receipt.BlockNumber,
			ActedAt:     now,
		})
	case action.IsStateMismatch(err):
		logger.Info("entity already advanced", zap.Error(err))
	default:
		logger.Warn("action failed, retrying on next trigger", zap.Error(err))
	}
}

func (w *Worker) submit(ctx context.Context, intent action.Intent) (action.Receipt, error) {
	handle, err := w.cfg.Executor.Submit(ctx, intent)
	if err != nil {
		return action.Receipt{}, fmt.Errorf("submit: %w", err)
	}
	receipt, err := w.cfg.Executor.AwaitConfirmation(ctx, handle)
	if err != nil {
		return action.Receipt{}, fmt.Errorf("confirm %s: %w", handle.ID, err)
	}
	return receipt, nil
}

func (w *Worker) seed(ctx context.Context) {
	if w.cfg.Ledger == nil {
		return
	}
	now := w.cfg.Clock.Now()
	records, err := w.cfg.Ledger.Recent(ctx, w.cfg.Kind, w.cfg.Key, now.Add(-w.cfg.DedupWindow))
	if err != nil {
		w.logger.Warn("failed to seed dedup cache from ledger", zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range records {
		if prev, ok := w.recentlyActed[rec.ActionKey]; !ok || rec.ActedAt.After(prev) {
			w.recentlyActed[rec.ActionKey] = rec.ActedAt
		}
	}
	if len(records) > 0 {
		w.logger.Debug("dedup cache seeded", zap.Int("records", len(records)))
	}
}

func (w *Worker) record(ctx context.Context, rec action.Record) {
	if w.cfg.Ledger == nil {
		return
	}
	if err := w.cfg.Ledger.Record(ctx, rec); err != nil {
		w.logger.Warn("failed to record action", zap.String("action_key", rec.ActionKey), zap.Error(err))
	}
}
