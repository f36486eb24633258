package keeper

import (
	"strconv"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
)

// KindBattles is the kind name for battles.
const KindBattles = "battles"

// Battle statuses and phases as reported by the indexer.
const (
	BattleActive    = "ACTIVE"
	BattleEnded     = "ENDED"
	BattleCancelled = "CANCELLED"

	PhaseAwaitingCommit = "AWAITING_COMMIT"
	PhaseAwaitingReveal = "AWAITING_REVEAL"
	PhaseResolvable     = "RESOLVABLE"
)

// NewBattles returns the battle kind. It resolves turns once both players revealed and
// enforces commit and reveal deadlines.
func NewBattles(contract string, deps Deps) (*Kind, error) {
	return newKind(definition{
		name:     KindBattles,
		contract: contract,
		query: discovery.Query{
			Kind:       KindBattles,
			Collection: "battles",
			Where:      map[string]any{"status": BattleActive},
			KeyFields:  []string{"battleId"},
			Fields:     []string{"status"},
		},
		detail: func(entity discovery.EntitySummary) discovery.DetailQuery {
			return discovery.DetailQuery{
				Kind:   KindBattles,
				Key:    entity.Key,
				Entity: "battle",
				ID:     entity.String("battleId"),
				Fields: []string{"phase", "turn", "deadline"},
			}
		},
		triggers: []trigger{
			{event: chain.EventTurnCommitted, idField: "battleId"},
			{event: chain.EventTurnRevealed, idField: "battleId"},
			{event: chain.EventBattleStarted, idField: "battleId"},
		},
		decide: battlePolicy(contract),
	}, deps)
}

func battlePolicy(contract string) policy {
	return func(entity discovery.EntitySummary, detail *discovery.EntityDetail, now time.Time) worker.Decision {
		if detail == nil {
			return worker.Decision{Done: true}
		}
		switch detail.Status {
		case BattleEnded, BattleCancelled:
			return worker.Decision{Done: true}
		}

		turn := detail.String("turn")
		intent := func(method string) action.Intent {
			return action.Intent{
				Contract: contract,
				Method:   method,
				Args: map[string]any{
					"battleId": entity.String("battleId"),
					"turn":     turn,
				},
			}
		}

		switch detail.String("phase") {
		case PhaseResolvable:
			return worker.Decision{Act: true, ActionKey: "resolve:" + turn, Intent: intent("resolveTurn")}
		case PhaseAwaitingCommit, PhaseAwaitingReveal:
			if pastDeadline(detail.String("deadline"), now) {
				return worker.Decision{Act: true, ActionKey: "timeout:" + turn, Intent: intent("resolveTimeout")}
			}
		}
		return worker.Decision{}
	}
}

// pastDeadline reports whether the unix-seconds deadline has passed. Missing or malformed
// deadlines never expire.
func pastDeadline(deadline string, now time.Time) bool {
	secs, err := strconv.ParseInt(deadline, 10, 64)
	if err != nil || secs <= 0 {
		return false
	}
	return now.After(time.Unix(secs, 0))
}
