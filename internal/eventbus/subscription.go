package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"go.uber.org/zap"
)

// Handler receives a non-empty batch of logs. The slice is shared between subscribers and
// must not be modified. Returned errors and panics are logged by the bus and never reach
// other subscribers.
type Handler func(ctx context.Context, logs []chain.Log) error

// Subscription describes interest in one event, optionally narrowed to one contract address.
type Subscription struct {
	EventName string
	// Address restricts delivery to logs emitted by this contract. Empty matches any address.
	Address string
	OnEvent Handler
}

// UnsubscribeFunc removes a subscription. Calling it more than once is a no-op.
type UnsubscribeFunc func()

type subscriber struct {
	id        string
	eventName string
	address   string
	handler   Handler
	mailbox   chan []chain.Log
}

func (s *subscriber) matches(eventName, address string) bool {
	if s.eventName != eventName {
		return false
	}
	return s.address == "" || s.address == address
}

// run drains the mailbox until it is closed. Each subscriber gets its own goroutine so a slow
// handler only delays its own deliveries.
func (s *subscriber) run(ctx context.Context, logger *zap.Logger) {
	for logs := range s.mailbox {
		if err := s.deliver(ctx, logs); err != nil {
			logger.Warn("subscriber failed to handle batch",
				zap.String("subscription", s.id),
				zap.String("event", s.eventName),
				zap.Int("logs", len(logs)),
				zap.Error(err),
			)
		}
	}
}

func (s *subscriber) deliver(ctx context.Context, logs []chain.Log) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, logs)
}

// enqueue hands a batch to the subscriber without blocking the bus loop.
func (s *subscriber) enqueue(logs []chain.Log) bool {
	select {
	case s.mailbox <- logs:
		return true
	default:
		return false
	}
}

// groupByAddress splits a batch into per-address groups, keeping first-seen order.
func groupByAddress(logs []chain.Log) ([]string, map[string][]chain.Log) {
	order := make([]string, 0, 1)
	groups := make(map[string][]chain.Log, 1)
	for _, l := range logs {
		addr := strings.ToLower(l.Address)
		if _, seen := groups[addr]; !seen {
			order = append(order, addr)
		}
		groups[addr] = append(groups[addr], l)
	}
	return order, groups
}
