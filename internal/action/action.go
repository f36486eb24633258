// Package action defines the boundary to the transaction submission layer.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category classifies executor failures.
type Category int

const (
	// CategoryRetryable covers every failure that the next trigger may retry.
	CategoryRetryable Category = iota
	// CategoryStateMismatch means the entity was no longer in the expected state, usually
	// because another actor already advanced it. It is benign and never retried.
	CategoryStateMismatch
)

func (c Category) String() string {
	switch c {
	case CategoryRetryable:
		return "RETRYABLE"
	case CategoryStateMismatch:
		return "STATE_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// ErrStateMismatch matches any Error in CategoryStateMismatch via errors.Is.
var ErrStateMismatch = errors.New("entity state mismatch")

// Error is a categorised executor failure.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrStateMismatch and e belongs to that category.
func (e *Error) Is(target error) bool {
	return target == ErrStateMismatch && e.Category == CategoryStateMismatch
}

// StateMismatch wraps err as a benign state-mismatch failure.
func StateMismatch(err error) error {
	return &Error{Category: CategoryStateMismatch, Err: err}
}

// Retryable wraps err as a retryable failure.
func Retryable(err error) error {
	return &Error{Category: CategoryRetryable, Err: err}
}

// IsStateMismatch reports whether err is a benign state-mismatch failure.
func IsStateMismatch(err error) bool {
	return errors.Is(err, ErrStateMismatch)
}

// Intent is a state transition the keeper wants to submit.
type Intent struct {
	Kind      string         `json:"kind"`
	Key       string         `json:"key"`
	ActionKey string         `json:"action_key"`
	Contract  string         `json:"contract"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args,omitempty"`
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	ID     string
	TxHash string
}

// Receipt is the confirmed outcome of a submission.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	ConfirmedAt time.Time
}

// Executor submits intents and waits for their confirmation.
type Executor interface {
	Submit(ctx context.Context, intent Intent) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, handle TxHandle) (Receipt, error)
}

// Record is a confirmed action kept in the ledger.
type Record struct {
	Kind        string
	Key         string
	ActionKey   string
	TxHash      string
	BlockNumber uint64
	ActedAt     time.Time
}
