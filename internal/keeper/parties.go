package keeper

import (
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
)

// KindParties is the kind name for dungeon parties.
const KindParties = "parties"

// Party statuses as reported by the indexer.
const (
	PartyAwaitingAction = "AWAITING_ACTION"
	PartyExited         = "EXITED"
)

// NewParties returns the dungeon party kind. One worker runs per party member awaiting an
// action and advances the party through its pending step.
func NewParties(contract string, deps Deps) (*Kind, error) {
	return newKind(definition{
		name:     KindParties,
		contract: contract,
		query: discovery.Query{
			Kind:       KindParties,
			Collection: "parties",
			Where:      map[string]any{"status": PartyAwaitingAction},
			KeyFields:  []string{"partyId", "playerId"},
			Fields:     []string{"status"},
		},
		detail: func(entity discovery.EntitySummary) discovery.DetailQuery {
			return discovery.DetailQuery{
				Kind:   KindParties,
				Key:    entity.Key,
				Entity: "party",
				ID:     entity.String("partyId"),
				Fields: []string{"pendingAction", "nonce", "roomId"},
			}
		},
		triggers: []trigger{
			{event: chain.EventPartyMoved, idField: "partyId"},
			{event: chain.EventCombatResolved, idField: "partyId"},
		},
		decide: partyPolicy(contract),
	}, deps)
}

func partyPolicy(contract string) policy {
	return func(entity discovery.EntitySummary, detail *discovery.EntityDetail, _ time.Time) worker.Decision {
		if detail == nil || detail.Status == PartyExited {
			return worker.Decision{Done: true}
		}
		if detail.Status != PartyAwaitingAction {
			return worker.Decision{}
		}
		pending := detail.String("pendingAction")
		if pending == "" {
			return worker.Decision{}
		}
		nonce := detail.String("nonce")
		return worker.Decision{
			Act:       true,
			ActionKey: pending + ":" + nonce,
			Intent: action.Intent{
				Contract: contract,
				Method:   "advance",
				Args: map[string]any{
					"partyId":  entity.String("partyId"),
					"playerId": entity.String("playerId"),
					"action":   pending,
					"nonce":    nonce,
					"roomId":   detail.String("roomId"),
				},
			},
		}
	}
}
