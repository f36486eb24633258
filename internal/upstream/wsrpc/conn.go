// Package wsrpc is a minimal JSON-RPC 2.0 client over a websocket that speaks the
// eth_subscribe log feed and eth_blockNumber.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("wsrpc: connection closed")

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type notification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type rpcLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

type logFilter struct {
	Address []string   `json:"address,omitempty"`
	Topics  [][]string `json:"topics"`
}

type pendingCall struct {
	ch chan message
	// eventName is set for eth_subscribe calls so the read loop can register the watch
	// before any notification for it is processed.
	eventName string
}

// Conn is one upstream websocket connection.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  atomic.Uint64
	pending map[uint64]*pendingCall
	watches map[string]string // subscription id -> event name

	batches chan chain.Batch
	errs    chan error
	done    chan struct{}

	closeOnce sync.Once
}

// Dialer opens connections to a fixed endpoint.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dial opens a connection using the dialer's settings.
func (d Dialer) Dial(ctx context.Context) (*Conn, error) {
	return Dial(ctx, d.URL, d.HandshakeTimeout, d.Logger)
}

// Dial connects to a ws:// or wss:// endpoint and starts the read loop.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration, logger *zap.Logger) (*Conn, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("invalid ws url: %s", url)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		dialer.HandshakeTimeout = handshakeTimeout
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		watches: make(map[string]string),
		batches: make(chan chain.Batch, 256),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Batches delivers decoded log notifications. It is closed when the read loop exits.
func (c *Conn) Batches() <-chan chain.Batch { return c.batches }

// Errors delivers asynchronous, non-fatal errors. It is closed when the read loop exits.
func (c *Conn) Errors() <-chan error { return c.errs }

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Watch subscribes to logs of one event, optionally restricted to a set of contract
// addresses, and returns the upstream subscription id.
func (c *Conn) Watch(ctx context.Context, desc chain.Descriptor, addresses []string) (string, error) {
	filter := logFilter{
		Address: addresses,
		Topics:  [][]string{{desc.Topic}},
	}
	result, err := c.call(ctx, "eth_subscribe", []any{"logs", filter}, desc.Name)
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", desc.Name, err)
	}
	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return "", fmt.Errorf("decode subscription id: %w", err)
	}
	return id, nil
}

// Unwatch cancels an upstream subscription.
func (c *Conn) Unwatch(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.watches, id)
	c.mu.Unlock()

	if _, err := c.call(ctx, "eth_unsubscribe", []any{id}, ""); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

// Probe fetches the current chain head.
func (c *Conn) Probe(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []any{}, "")
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	var quantity string
	if err := json.Unmarshal(result, &quantity); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return parseQuantity(quantity)
}

func (c *Conn) call(ctx context.Context, method string, params []any, eventName string) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	pc := &pendingCall{ch: make(chan message, 1), eventName: eventName}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = pc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	err := c.ws.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case msg := <-pc.ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Conn) readLoop() {
	defer close(c.errs)
	defer close(c.batches)
	defer func() { _ = c.Close() }()

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("upstream read failed", zap.Error(err))
			}
			return
		}

		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.reportError(fmt.Errorf("decode message: %w", err))
			continue
		}

		switch {
		case msg.ID != nil:
			c.resolve(*msg.ID, msg)
		case msg.Method == "eth_subscription":
			c.handleNotification(msg.Params)
		default:
			c.logger.Debug("ignoring upstream message", zap.String("method", msg.Method))
		}
	}
}

func (c *Conn) resolve(id uint64, msg message) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok && pc.eventName != "" && msg.Error == nil {
		var subID string
		if json.Unmarshal(msg.Result, &subID) == nil && subID != "" {
			c.watches[subID] = pc.eventName
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	select {
	case pc.ch <- msg:
	default:
	}
}

func (c *Conn) handleNotification(params json.RawMessage) {
	var n notification
	if err := json.Unmarshal(params, &n); err != nil {
		c.reportError(fmt.Errorf("decode notification: %w", err))
		return
	}

	c.mu.Lock()
	eventName, ok := c.watches[n.Subscription]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("notification for unknown subscription", zap.String("subscription", n.Subscription))
		return
	}

	var raw rpcLog
	if err := json.Unmarshal(n.Result, &raw); err != nil {
		c.reportError(fmt.Errorf("decode %s log: %w", eventName, err))
		return
	}
	log, err := raw.toLog()
	if err != nil {
		c.reportError(fmt.Errorf("%s log: %w", eventName, err))
		return
	}

	select {
	case c.batches <- chain.Batch{EventName: eventName, Logs: []chain.Log{log}}:
	case <-c.done:
	}
}

func (c *Conn) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("upstream error dropped", zap.Error(err))
	}
}

func (l rpcLog) toLog() (chain.Log, error) {
	out := chain.Log{
		Address: strings.ToLower(l.Address),
		Topics:  l.Topics,
		Data:    l.Data,
		TxHash:  l.TransactionHash,
		Removed: l.Removed,
	}
	var err error
	if l.BlockNumber != "" {
		if out.BlockNumber, err = parseQuantity(l.BlockNumber); err != nil {
			return chain.Log{}, err
		}
	}
	if l.LogIndex != "" {
		if out.LogIndex, err = parseQuantity(l.LogIndex); err != nil {
			return chain.Log{}, err
		}
	}
	return out, nil
}

func parseQuantity(q string) (uint64, error) {
	raw := strings.TrimPrefix(q, "0x")
	if raw == "" || raw == q {
		return 0, fmt.Errorf("invalid quantity %q", q)
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", q, err)
	}
	return v, nil
}
