// Package keeper defines the entity kinds the keeper automates and wires each kind's
// discovery query, event triggers and policy into workers.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/arenakeeper/keeper-server-go/internal/config"
	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/supervisor"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by every worker of every kind.
type Deps struct {
	Discovery discovery.Service
	Events    worker.Events
	Executor  action.Executor
	// Ledger is optional.
	Ledger   worker.Ledger
	Registry *chain.Registry
	Worker   config.WorkerConfig
	// ActTimeout bounds one submission plus its confirmation wait.
	ActTimeout time.Duration
	Clock      worker.Clock
	Logger     *zap.Logger
}

func (d Deps) validate() error {
	var errs []error
	if d.Discovery == nil {
		errs = append(errs, errors.New("discovery service is required"))
	}
	if d.Events == nil {
		errs = append(errs, errors.New("event source is required"))
	}
	if d.Executor == nil {
		errs = append(errs, errors.New("executor is required"))
	}
	if d.Registry == nil {
		errs = append(errs, errors.New("event registry is required"))
	}
	return errors.Join(errs...)
}

// trigger re-evaluates an entity when an event names it. The entity id in the log is
// compared with the summary field idField.
type trigger struct {
	event   string
	idField string
}

// policy turns the entity's current detail into a decision. A nil detail means the indexer
// no longer knows the entity.
type policy func(entity discovery.EntitySummary, detail *discovery.EntityDetail, now time.Time) worker.Decision

type definition struct {
	name     string
	contract string
	query    discovery.Query
	detail   func(entity discovery.EntitySummary) discovery.DetailQuery
	triggers []trigger
	decide   policy
}

// Kind is one automated entity kind. It satisfies supervisor.Kind.
type Kind struct {
	def    definition
	deps   Deps
	logger *zap.Logger
}

var _ supervisor.Kind = (*Kind)(nil)

func newKind(def definition, deps Deps) (*Kind, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", def.name, err)
	}
	if _, err := chain.NormalizeAddress(def.contract); err != nil {
		return nil, fmt.Errorf("%s contract: %w", def.name, err)
	}
	for _, t := range def.triggers {
		desc, ok := deps.Registry.Lookup(t.event)
		if !ok {
			return nil, fmt.Errorf("%s: unknown trigger event %q", def.name, t.event)
		}
		if desc.EntityTopic <= 0 {
			return nil, fmt.Errorf("%s: trigger event %q carries no entity id", def.name, t.event)
		}
	}
	if deps.Clock == nil {
		deps.Clock = worker.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Kind{def: def, deps: deps, logger: deps.Logger.With(zap.String("kind", def.name))}, nil
}

// Name returns the kind name.
func (k *Kind) Name() string { return k.def.name }

// Discover returns every entity of this kind that currently needs a worker.
func (k *Kind) Discover(ctx context.Context) ([]discovery.EntitySummary, error) {
	return k.deps.Discovery.ActiveEntities(ctx, k.def.query)
}

// NewWorker builds an unstarted worker for entity.
func (k *Kind) NewWorker(entity discovery.EntitySummary) (supervisor.Runner, error) {
	triggers := make([]worker.Trigger, 0, len(k.def.triggers))
	for _, t := range k.def.triggers {
		desc, _ := k.deps.Registry.Lookup(t.event)
		id := entity.String(t.idField)
		if id == "" {
			return nil, fmt.Errorf("entity %s has no %s", entity.Key, t.idField)
		}
		triggers = append(triggers, worker.Trigger{
			EventName: t.event,
			Address:   k.def.contract,
			Match:     matchEntity(desc, id),
		})
	}

	w, err := worker.New(worker.Config{
		Kind:              k.def.name,
		Key:               entity.Key,
		TickInterval:      k.deps.Worker.TickInterval,
		DedupWindow:       k.deps.Worker.DedupWindow,
		GCHorizon:         k.deps.Worker.GCHorizon,
		LivenessThreshold: k.deps.Worker.LivenessThreshold,
		ActTimeout:        k.deps.ActTimeout,
		Triggers:          triggers,
		Evaluator:         k.evaluator(entity),
		Executor:          k.deps.Executor,
		Events:            k.deps.Events,
		Ledger:            k.deps.Ledger,
		Clock:             k.deps.Clock,
	}, k.deps.Logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// evaluator re-queries the entity on every evaluation; the summary only supplies identity.
func (k *Kind) evaluator(entity discovery.EntitySummary) worker.Evaluator {
	query := k.def.detail(entity)
	return worker.EvaluatorFunc(func(ctx context.Context, _ string) (worker.Decision, error) {
		detail, err := k.deps.Discovery.EntityDetail(ctx, query)
		if err != nil {
			return worker.Decision{}, err
		}
		if detail == nil {
			k.logger.Info("entity no longer indexed", zap.String("key", entity.Key))
		}
		return k.def.decide(entity, detail, k.deps.Clock.Now()), nil
	})
}

// matchEntity selects non-removed logs whose indexed entity id equals id.
func matchEntity(desc chain.Descriptor, id string) func(chain.Log) bool {
	return func(l chain.Log) bool {
		if l.Removed {
			return false
		}
		got, err := l.EntityID(desc)
		return err == nil && got == id
	}
}
