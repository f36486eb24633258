package keeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/arenakeeper/keeper-server-go/internal/config"
	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/eventbus"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	battleContract  = "0x00000000000000000000000000000000000000B1"
	dungeonContract = "0x00000000000000000000000000000000000000D1"
)

type fakeDiscovery struct {
	mu       sync.Mutex
	entities map[string][]discovery.EntitySummary
	details  map[string]*discovery.EntityDetail
	queries  []discovery.Query
	lookups  []discovery.DetailQuery
}

func (f *fakeDiscovery) ActiveEntities(_ context.Context, q discovery.Query) ([]discovery.EntitySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.entities[q.Kind], nil
}

func (f *fakeDiscovery) EntityDetail(_ context.Context, q discovery.DetailQuery) (*discovery.EntityDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, q)
	d, ok := f.details[q.Entity+"/"+q.ID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDiscovery) setDetail(entity, id string, d *discovery.EntityDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.details == nil {
		f.details = make(map[string]*discovery.EntityDetail)
	}
	f.details[entity+"/"+id] = d
}

type recordingExecutor struct {
	mu      sync.Mutex
	intents []action.Intent
	gate    chan struct{}
	calls   atomic.Int32
}

func (e *recordingExecutor) Submit(_ context.Context, intent action.Intent) (action.TxHandle, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.intents = append(e.intents, intent)
	e.mu.Unlock()
	return action.TxHandle{ID: intent.ActionKey}, nil
}

func (e *recordingExecutor) AwaitConfirmation(ctx context.Context, h action.TxHandle) (action.Receipt, error) {
	if e.gate != nil {
		<-e.gate
	}
	return action.Receipt{TxHash: "0x" + h.ID}, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	subs []eventbus.Subscription
}

func (f *fakeEvents) Subscribe(_ context.Context, sub eventbus.Subscription) (eventbus.UnsubscribeFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return func() {}, nil
}

func (f *fakeEvents) deliver(eventName string, logs ...chain.Log) {
	f.mu.Lock()
	subs := append([]eventbus.Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		if s.EventName == eventName {
			_ = s.OnEvent(context.Background(), logs)
		}
	}
}

func entityLog(t *testing.T, registry *chain.Registry, event, id string) chain.Log {
	t.Helper()
	desc, ok := registry.Lookup(event)
	require.True(t, ok)
	topic, err := chain.DecimalToTopic(id)
	require.NoError(t, err)
	return chain.Log{Address: battleContract, Topics: []string{desc.Topic, topic}}
}

func testDeps(t *testing.T, disc discovery.Service, events worker.Events, exec action.Executor) Deps {
	return Deps{
		Discovery: disc,
		Events:    events,
		Executor:  exec,
		Registry:  chain.MustDefaultRegistry(),
		Worker: config.WorkerConfig{
			TickInterval:      time.Hour,
			DedupWindow:       30 * time.Second,
			GCHorizon:         60 * time.Second,
			LivenessThreshold: 30 * time.Second,
		},
		Logger: zaptest.NewLogger(t),
	}
}

func TestBattlesDiscoverQuery(t *testing.T) {
	disc := &fakeDiscovery{entities: map[string][]discovery.EntitySummary{
		KindBattles: {{Kind: KindBattles, Key: "1", Fields: map[string]any{"battleId": "1"}}},
	}}
	battles, err := NewBattles(battleContract, testDeps(t, disc, &fakeEvents{}, &recordingExecutor{}))
	require.NoError(t, err)

	got, err := battles.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.Len(t, disc.queries, 1)
	assert.Equal(t, "battles", disc.queries[0].Collection)
	assert.Equal(t, map[string]any{"status": BattleActive}, disc.queries[0].Where)
	assert.Equal(t, []string{"battleId"}, disc.queries[0].KeyFields)
}

func TestNewKindValidation(t *testing.T) {
	_, err := NewBattles("not-an-address", testDeps(t, &fakeDiscovery{}, &fakeEvents{}, &recordingExecutor{}))
	assert.ErrorContains(t, err, "invalid address")

	_, err = NewParties(dungeonContract, Deps{})
	assert.ErrorContains(t, err, "discovery service is required")

	registry, err := chain.NewRegistry(chain.NewDescriptor("PartyMoved(uint256,uint256)", 1))
	require.NoError(t, err)
	deps := testDeps(t, &fakeDiscovery{}, &fakeEvents{}, &recordingExecutor{})
	deps.Registry = registry
	_, err = NewParties(dungeonContract, deps)
	assert.ErrorContains(t, err, "unknown trigger event")
}

func TestBattlePolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	entity := discovery.EntitySummary{Kind: KindBattles, Key: "1", Fields: map[string]any{"battleId": "1"}}
	decide := battlePolicy(battleContract)

	tests := []struct {
		name   string
		detail *discovery.EntityDetail
		want   worker.Decision
	}{
		{
			name: "gone",
			want: worker.Decision{Done: true},
		},
		{
			name:   "ended",
			detail: &discovery.EntityDetail{Status: BattleEnded},
			want:   worker.Decision{Done: true},
		},
		{
			name:   "waiting for commits",
			detail: &discovery.EntityDetail{Status: BattleActive, Fields: map[string]any{"phase": PhaseAwaitingCommit, "turn": float64(2), "deadline": float64(now.Unix() + 60)}},
			want:   worker.Decision{},
		},
		{
			name:   "reveal deadline passed",
			detail: &discovery.EntityDetail{Status: BattleActive, Fields: map[string]any{"phase": PhaseAwaitingReveal, "turn": float64(2), "deadline": float64(now.Unix() - 1)}},
			want: worker.Decision{Act: true, ActionKey: "timeout:2", Intent: action.Intent{
				Contract: battleContract, Method: "resolveTimeout", Args: map[string]any{"battleId": "1", "turn": "2"},
			}},
		},
		{
			name:   "resolvable",
			detail: &discovery.EntityDetail{Status: BattleActive, Fields: map[string]any{"phase": PhaseResolvable, "turn": "3"}},
			want: worker.Decision{Act: true, ActionKey: "resolve:3", Intent: action.Intent{
				Contract: battleContract, Method: "resolveTurn", Args: map[string]any{"battleId": "1", "turn": "3"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(entity, tt.detail, now))
		})
	}
}

func TestPartyPolicy(t *testing.T) {
	entity := discovery.EntitySummary{Kind: KindParties, Key: "7-0xabc", Fields: map[string]any{"partyId": "7", "playerId": "0xabc"}}
	decide := partyPolicy(dungeonContract)

	assert.Equal(t, worker.Decision{Done: true}, decide(entity, nil, time.Time{}))
	assert.Equal(t, worker.Decision{Done: true}, decide(entity, &discovery.EntityDetail{Status: PartyExited}, time.Time{}))
	assert.Equal(t, worker.Decision{}, decide(entity, &discovery.EntityDetail{Status: "IN_COMBAT"}, time.Time{}))
	assert.Equal(t, worker.Decision{}, decide(entity, &discovery.EntityDetail{Status: PartyAwaitingAction}, time.Time{}))

	got := decide(entity, &discovery.EntityDetail{
		Status: PartyAwaitingAction,
		Fields: map[string]any{"pendingAction": "move", "nonce": float64(4), "roomId": "0x12"},
	}, time.Time{})
	assert.True(t, got.Act)
	assert.Equal(t, "move:4", got.ActionKey)
	assert.Equal(t, "advance", got.Intent.Method)
	assert.Equal(t, "0xabc", got.Intent.Args["playerId"])
	assert.Equal(t, "0x12", got.Intent.Args["roomId"])
}

// A tick finds battle-1 resolvable and submits once; a TurnRevealed event for battle-1
// during the submission produces no second call, and an event for another battle is
// ignored.
func TestBattleWorkerEndToEnd(t *testing.T) {
	registry := chain.MustDefaultRegistry()
	disc := &fakeDiscovery{}
	disc.setDetail("battle", "1", &discovery.EntityDetail{
		Status: BattleActive,
		Fields: map[string]any{"phase": PhaseResolvable, "turn": float64(1)},
	})
	events := &fakeEvents{}
	exec := &recordingExecutor{gate: make(chan struct{})}
	battles, err := NewBattles(battleContract, testDeps(t, disc, events, exec))
	require.NoError(t, err)

	runner, err := battles.NewWorker(discovery.EntitySummary{Kind: KindBattles, Key: "1", Fields: map[string]any{"battleId": float64(1)}})
	require.NoError(t, err)
	w := runner.(*worker.Worker)
	t.Cleanup(w.Stop)

	require.NoError(t, w.Start(context.Background()))
	events.mu.Lock()
	require.Len(t, events.subs, 3)
	for _, s := range events.subs {
		assert.Equal(t, battleContract, s.Address)
	}
	events.mu.Unlock()

	require.Eventually(t, func() bool { return w.State() == worker.StateActing }, time.Second, time.Millisecond)
	events.deliver(chain.EventTurnRevealed, entityLog(t, registry, chain.EventTurnRevealed, "1"))
	close(exec.gate)

	require.Eventually(t, func() bool { return w.Status().Actions == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), exec.calls.Load())

	exec.mu.Lock()
	assert.Equal(t, "resolve:1", exec.intents[0].ActionKey)
	assert.Equal(t, KindBattles, exec.intents[0].Kind)
	assert.Equal(t, "1", exec.intents[0].Key)
	exec.mu.Unlock()

	// Same turn still resolvable: the event re-evaluates but the dedup window suppresses it.
	disc.mu.Lock()
	before := len(disc.lookups)
	disc.mu.Unlock()
	events.deliver(chain.EventTurnCommitted, entityLog(t, registry, chain.EventTurnCommitted, "2"))
	time.Sleep(20 * time.Millisecond)
	disc.mu.Lock()
	assert.Equal(t, before, len(disc.lookups), "event for another battle must not trigger")
	disc.mu.Unlock()

	events.deliver(chain.EventTurnCommitted, entityLog(t, registry, chain.EventTurnCommitted, "1"))
	require.Eventually(t, func() bool {
		disc.mu.Lock()
		defer disc.mu.Unlock()
		return len(disc.lookups) == before+1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestRemovedLogsDoNotMatch(t *testing.T) {
	registry := chain.MustDefaultRegistry()
	desc, _ := registry.Lookup(chain.EventPartyMoved)
	match := matchEntity(desc, "7")

	l := entityLog(t, registry, chain.EventPartyMoved, "7")
	assert.True(t, match(l))
	l.Removed = true
	assert.False(t, match(l))
	assert.False(t, match(chain.Log{Topics: []string{desc.Topic}}))
}

func TestEvaluatorPropagatesDiscoveryErrors(t *testing.T) {
	battles, err := NewBattles(battleContract, testDeps(t, errDiscovery{}, &fakeEvents{}, &recordingExecutor{}))
	require.NoError(t, err)
	eval := battles.evaluator(discovery.EntitySummary{Key: "1", Fields: map[string]any{"battleId": "1"}})
	_, err = eval.Evaluate(context.Background(), "1")
	assert.ErrorContains(t, err, "indexer down")
}

type errDiscovery struct{}

func (errDiscovery) ActiveEntities(context.Context, discovery.Query) ([]discovery.EntitySummary, error) {
	return nil, errors.New("indexer down")
}

func (errDiscovery) EntityDetail(context.Context, discovery.DetailQuery) (*discovery.EntityDetail, error) {
	return nil, errors.New("indexer down")
}
