package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/jackc/pgx/v5"
)

// ActionLedger records confirmed actions. Workers read it back on start to avoid repeating
// an action confirmed shortly before a restart.
type ActionLedger struct {
	db *DB
}

// NewActionLedger creates a ledger backed by db.
func NewActionLedger(db *DB) *ActionLedger {
	return &ActionLedger{db: db}
}

// Record inserts one confirmed action.
func (l *ActionLedger) Record(ctx context.Context, rec action.Record) error {
	_, err := l.db.pool.Exec(ctx, `
		INSERT INTO keeper_actions (kind, entity_key, action_key, tx_hash, block_number, acted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Kind, rec.Key, rec.ActionKey, rec.TxHash, int64(rec.BlockNumber), rec.ActedAt,
	)
	if err != nil {
		return fmt.Errorf("record action %s/%s/%s: %w", rec.Kind, rec.Key, rec.ActionKey, err)
	}
	return nil
}

// Recent returns actions for one entity confirmed at or after since, newest first.
func (l *ActionLedger) Recent(ctx context.Context, kind, key string, since time.Time) ([]action.Record, error) {
	rows, err := l.db.pool.Query(ctx, `
		SELECT kind, entity_key, action_key, tx_hash, block_number, acted_at
		FROM keeper_actions
		WHERE kind = $1 AND entity_key = $2 AND acted_at >= $3
		ORDER BY acted_at DESC`,
		kind, key, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent actions: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (action.Record, error) {
		var (
			rec   action.Record
			block int64
		)
		if err := row.Scan(&rec.Kind, &rec.Key, &rec.ActionKey, &rec.TxHash, &block, &rec.ActedAt); err != nil {
			return action.Record{}, err
		}
		rec.BlockNumber = uint64(block)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recent actions: %w", err)
	}
	return records, nil
}

// Prune deletes actions confirmed before cutoff and returns how many were removed.
func (l *ActionLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.db.pool.Exec(ctx, `DELETE FROM keeper_actions WHERE acted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	return tag.RowsAffected(), nil
}
