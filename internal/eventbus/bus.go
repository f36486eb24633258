// Package eventbus multiplexes one upstream log subscription across any number of in-process
// subscribers. All bus state is owned by a single loop goroutine; callers interact with it
// through channels.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when subscribing to a bus that has been closed.
	ErrClosed = errors.New("eventbus: closed")
	// ErrUnknownEvent is returned when subscribing to an event missing from the registry.
	ErrUnknownEvent = errors.New("eventbus: unknown event")
)

// Conn is one upstream connection able to watch contract events.
type Conn interface {
	Watch(ctx context.Context, desc chain.Descriptor, addresses []string) (string, error)
	Unwatch(ctx context.Context, id string) error
	Probe(ctx context.Context) (uint64, error)
	// Batches and Errors must be closed when the connection ends.
	Batches() <-chan chain.Batch
	Errors() <-chan error
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Config tunes connection health handling.
type Config struct {
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	ErrorThreshold      int
	SubscriberBuffer    int
	WatchTimeout        time.Duration
	DialInitialBackoff  time.Duration
	DialMaxBackoff      time.Duration
}

func (c Config) normalized() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 10 * time.Second
	}
	if c.DialInitialBackoff <= 0 {
		c.DialInitialBackoff = 500 * time.Millisecond
	}
	if c.DialMaxBackoff <= 0 {
		c.DialMaxBackoff = 30 * time.Second
	}
	return c
}

// Status is a point-in-time view of the bus.
type Status struct {
	Connected         bool      `json:"connected"`
	Connecting        bool      `json:"connecting"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastHealthCheckAt time.Time `json:"last_health_check_at"`
	ChainHead         uint64    `json:"chain_head"`
	Subscriptions     int       `json:"subscriptions"`
	Watches           int       `json:"watches"`
	Connections       int       `json:"connections"`
	Reconnects        int       `json:"reconnects"`
	Closed            bool      `json:"closed"`
}

type subscribeRequest struct {
	sub   Subscription
	reply chan subscribeReply
}

type subscribeReply struct {
	id  string
	err error
}

// Messages posted back to the loop by helper goroutines. gen ties each one to the
// connection it belongs to; anything from a superseded connection is ignored.
type (
	connectResult struct {
		gen  uint64
		conn Conn
		err  error
	}
	watchResult struct {
		gen       uint64
		eventName string
		version   uint64
		key       string
		id        string
		err       error
	}
	probeResult struct {
		gen  uint64
		head uint64
		err  error
	}
	connBatch struct {
		gen   uint64
		batch chain.Batch
	}
	connError struct {
		gen uint64
		err error
	}
	connLost struct {
		gen uint64
	}
)

type eventWatch struct {
	id      string // active upstream watch id
	key     string // address-set key of the active watch
	wanted  string // address-set key of the most recent request
	version uint64
	pending bool
}

// state is owned by the loop goroutine.
type state struct {
	subs []*subscriber
	byID map[string]*subscriber

	conn          Conn
	gen           uint64
	connecting    bool
	cancelConnect context.CancelFunc
	probing       bool

	watches map[string]*eventWatch

	consecutiveErrors int
	lastHealthCheckAt time.Time
	chainHead         uint64
	connections       int
	reconnects        int
}

// Bus is the shared event feed.
type Bus struct {
	dialer   Dialer
	registry *chain.Registry
	cfg      Config
	logger   *zap.Logger

	subscribeCh   chan subscribeRequest
	unsubscribeCh chan string
	internal      chan any

	status    atomic.Pointer[Status]
	running   atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bus. Run must be called for it to do anything.
func New(dialer Dialer, registry *chain.Registry, cfg Config, logger *zap.Logger) *Bus {
	b := &Bus{
		dialer:        dialer,
		registry:      registry,
		cfg:           cfg.normalized(),
		logger:        logger.With(zap.String("component", "eventbus")),
		subscribeCh:   make(chan subscribeRequest),
		unsubscribeCh: make(chan string),
		internal:      make(chan any, 64),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	b.status.Store(&Status{})
	return b
}

// Subscribe registers interest in an event. The first subscription opens the upstream
// connection; later ones are folded into the existing watches.
func (b *Bus) Subscribe(ctx context.Context, sub Subscription) (UnsubscribeFunc, error) {
	if sub.OnEvent == nil {
		return nil, errors.New("eventbus: subscription requires a handler")
	}
	select {
	case <-b.quit:
		return nil, ErrClosed
	default:
	}

	req := subscribeRequest{sub: sub, reply: make(chan subscribeReply, 1)}
	select {
	case b.subscribeCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.quit:
		return nil, ErrClosed
	case <-b.done:
		return nil, ErrClosed
	}

	// The loop answers immediately once it accepted the request.
	reply := <-req.reply
	if reply.err != nil {
		return nil, reply.err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case b.unsubscribeCh <- reply.id:
			case <-b.quit:
			case <-b.done:
			}
		})
	}, nil
}

// Status returns the state published after the loop's last step.
func (b *Bus) Status() Status {
	return *b.status.Load()
}

// Close stops the loop, closes the upstream connection and waits for the loop to exit.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.quit) })
	if b.running.Load() {
		<-b.done
	}
}

// Run processes subscriptions, upstream traffic and health checks until ctx is cancelled
// or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("eventbus: already running")
	}
	defer close(b.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &state{
		byID:    make(map[string]*subscriber),
		watches: make(map[string]*eventWatch),
	}
	ticker := time.NewTicker(b.cfg.HealthCheckInterval)
	defer ticker.Stop()

	b.logger.Info("event bus started",
		zap.Duration("health_check_interval", b.cfg.HealthCheckInterval),
		zap.Int("error_threshold", b.cfg.ErrorThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			b.shutdown(st)
			return nil
		case <-b.quit:
			b.shutdown(st)
			return nil
		case req := <-b.subscribeCh:
			b.handleSubscribe(ctx, st, req)
		case id := <-b.unsubscribeCh:
			b.handleUnsubscribe(ctx, st, id)
		case msg := <-b.internal:
			b.handleInternal(ctx, st, msg)
		case <-ticker.C:
			b.healthCheck(ctx, st)
		}
		b.publish(st, false)
	}
}

func (b *Bus) post(msg any) {
	select {
	case b.internal <- msg:
	case <-b.done:
	}
}

func (b *Bus) publish(st *state, closed bool) {
	watches := 0
	for _, w := range st.watches {
		if w.id != "" {
			watches++
		}
	}
	b.status.Store(&Status{
		Connected:         st.conn != nil,
		Connecting:        st.connecting,
		ConsecutiveErrors: st.consecutiveErrors,
		LastHealthCheckAt: st.lastHealthCheckAt,
		ChainHead:         st.chainHead,
		Subscriptions:     len(st.subs),
		Watches:           watches,
		Connections:       st.connections,
		Reconnects:        st.reconnects,
		Closed:            closed,
	})
}

func (b *Bus) handleSubscribe(ctx context.Context, st *state, req subscribeRequest) {
	if _, ok := b.registry.Lookup(req.sub.EventName); !ok {
		req.reply <- subscribeReply{err: fmt.Errorf("%w: %s", ErrUnknownEvent, req.sub.EventName)}
		return
	}
	address := ""
	if strings.TrimSpace(req.sub.Address) != "" {
		normalized, err := chain.NormalizeAddress(req.sub.Address)
		if err != nil {
			req.reply <- subscribeReply{err: err}
			return
		}
		address = normalized
	}

	s := &subscriber{
		id:        uuid.NewString(),
		eventName: req.sub.EventName,
		address:   address,
		handler:   req.sub.OnEvent,
		mailbox:   make(chan []chain.Log, b.cfg.SubscriberBuffer),
	}
	go s.run(ctx, b.logger)

	st.subs = append(st.subs, s)
	st.byID[s.id] = s
	req.reply <- subscribeReply{id: s.id}

	b.logger.Debug("subscription added",
		zap.String("subscription", s.id),
		zap.String("event", s.eventName),
		zap.String("address", s.address),
		zap.Int("subscriptions", len(st.subs)),
	)

	switch {
	case st.conn != nil:
		b.rewatch(ctx, st, s.eventName)
	case !st.connecting:
		b.connect(ctx, st)
	}
}

func (b *Bus) handleUnsubscribe(ctx context.Context, st *state, id string) {
	s, ok := st.byID[id]
	if !ok {
		return
	}
	delete(st.byID, id)
	for i, candidate := range st.subs {
		if candidate == s {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			break
		}
	}
	close(s.mailbox)

	b.logger.Debug("subscription removed",
		zap.String("subscription", id),
		zap.String("event", s.eventName),
		zap.Int("subscriptions", len(st.subs)),
	)

	if len(st.subs) == 0 {
		b.teardown(st)
		b.logger.Info("last subscription removed, upstream connection closed")
		return
	}
	if st.conn != nil {
		b.rewatch(ctx, st, s.eventName)
	}
}

func (b *Bus) handleInternal(ctx context.Context, st *state, msg any) {
	switch m := msg.(type) {
	case connectResult:
		b.handleConnected(ctx, st, m)
	case watchResult:
		b.handleWatchResult(ctx, st, m)
	case probeResult:
		if m.gen != st.gen {
			return
		}
		st.probing = false
		if m.err != nil {
			b.logger.Warn("upstream health check failed", zap.Error(m.err))
			b.reconnect(ctx, st, "health check failed")
			return
		}
		st.lastHealthCheckAt = time.Now()
		st.chainHead = m.head
		st.consecutiveErrors = 0
	case connBatch:
		if m.gen != st.gen || len(m.batch.Logs) == 0 {
			return
		}
		b.dispatch(st, m.batch)
	case connError:
		if m.gen != st.gen || st.conn == nil {
			return
		}
		b.recordError(ctx, st, m.err)
	case connLost:
		if m.gen != st.gen || st.conn == nil {
			return
		}
		b.logger.Warn("upstream connection lost")
		b.reconnect(ctx, st, "connection lost")
	}
}

// connect starts a dial in the background. At most one dial is in flight at a time.
func (b *Bus) connect(ctx context.Context, st *state) {
	if st.connecting || st.conn != nil {
		return
	}
	st.gen++
	gen := st.gen
	cctx, cancel := context.WithCancel(ctx)
	st.connecting = true
	st.cancelConnect = cancel

	go func() {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = b.cfg.DialInitialBackoff
		policy.MaxInterval = b.cfg.DialMaxBackoff

		conn, err := backoff.Retry(cctx, func() (Conn, error) {
			return b.dialer.Dial(cctx)
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.logger.Warn("upstream dial failed, retrying",
					zap.Duration("retry_in", next),
					zap.Error(err),
				)
			}),
		)
		b.post(connectResult{gen: gen, conn: conn, err: err})
	}()
}

func (b *Bus) handleConnected(ctx context.Context, st *state, r connectResult) {
	if r.gen != st.gen || !st.connecting || len(st.subs) == 0 {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}
	st.connecting = false
	st.cancelConnect()
	st.cancelConnect = nil
	if r.err != nil {
		b.logger.Warn("upstream dial abandoned", zap.Error(r.err))
		return
	}

	st.conn = r.conn
	st.connections++
	st.consecutiveErrors = 0
	st.lastHealthCheckAt = time.Now()
	b.forward(ctx, r.gen, r.conn)

	names := b.eventNames(st)
	for _, name := range names {
		b.rewatch(ctx, st, name)
	}
	b.logger.Info("upstream connection established",
		zap.Int("connection", st.connections),
		zap.Strings("events", names),
	)
}

// forward pumps connection output into the loop, then reports the loss once both channels
// have closed.
func (b *Bus) forward(ctx context.Context, gen uint64, conn Conn) {
	go func() {
		batches, errs := conn.Batches(), conn.Errors()
		for batches != nil || errs != nil {
			select {
			case batch, ok := <-batches:
				if !ok {
					batches = nil
					continue
				}
				b.post(connBatch{gen: gen, batch: batch})
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				b.post(connError{gen: gen, err: err})
			case <-ctx.Done():
				return
			}
		}
		b.post(connLost{gen: gen})
	}()
}

// rewatch brings the upstream watch for eventName in line with the current subscriptions.
// A changed address set is watched first and the old watch removed once the new one is in
// place, so deliveries never pause.
func (b *Bus) rewatch(ctx context.Context, st *state, eventName string) {
	w := st.watches[eventName]
	addresses, ok := b.addressSet(st, eventName)
	if !ok {
		if w != nil {
			if w.id != "" {
				b.unwatch(ctx, st.conn, w.id)
			}
			delete(st.watches, eventName)
		}
		return
	}

	key := strings.Join(addresses, ",")
	if w == nil {
		w = &eventWatch{}
		st.watches[eventName] = w
	}
	if w.wanted == key && (w.pending || w.id != "") {
		return
	}

	desc, _ := b.registry.Lookup(eventName)
	w.version++
	w.wanted = key
	w.pending = true
	conn, gen, version := st.conn, st.gen, w.version

	go func() {
		wctx, cancel := context.WithTimeout(ctx, b.cfg.WatchTimeout)
		defer cancel()
		id, err := conn.Watch(wctx, desc, addresses)
		b.post(watchResult{gen: gen, eventName: eventName, version: version, key: key, id: id, err: err})
	}()
}

func (b *Bus) handleWatchResult(ctx context.Context, st *state, r watchResult) {
	if r.gen != st.gen || st.conn == nil {
		return
	}
	w := st.watches[r.eventName]
	if w == nil || w.version != r.version {
		if r.err == nil {
			b.unwatch(ctx, st.conn, r.id)
		}
		return
	}
	w.pending = false
	if r.err != nil {
		w.wanted = ""
		b.logger.Warn("upstream watch failed", zap.String("event", r.eventName), zap.Error(r.err))
		b.recordError(ctx, st, r.err)
		return
	}

	previous := w.id
	w.id = r.id
	w.key = r.key
	if previous != "" && previous != r.id {
		b.unwatch(ctx, st.conn, previous)
	}
	b.logger.Debug("upstream watch active",
		zap.String("event", r.eventName),
		zap.String("watch", r.id),
		zap.String("addresses", r.key),
	)
}

func (b *Bus) unwatch(ctx context.Context, conn Conn, id string) {
	if conn == nil || id == "" {
		return
	}
	go func() {
		uctx, cancel := context.WithTimeout(ctx, b.cfg.WatchTimeout)
		defer cancel()
		if err := conn.Unwatch(uctx, id); err != nil {
			b.logger.Debug("upstream unwatch failed", zap.String("watch", id), zap.Error(err))
		}
	}()
}

// addressSet returns the sorted address filter for eventName. A nil slice means no filter
// (some subscriber wants every address). ok is false when nothing subscribes to the event.
func (b *Bus) addressSet(st *state, eventName string) ([]string, bool) {
	seen := make(map[string]struct{})
	found, wildcard := false, false
	for _, s := range st.subs {
		if s.eventName != eventName {
			continue
		}
		found = true
		if s.address == "" {
			wildcard = true
			continue
		}
		seen[s.address] = struct{}{}
	}
	if !found {
		return nil, false
	}
	if wildcard {
		return nil, true
	}
	addresses := make([]string, 0, len(seen))
	for a := range seen {
		addresses = append(addresses, a)
	}
	sort.Strings(addresses)
	return addresses, true
}

func (b *Bus) eventNames(st *state) []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, s := range st.subs {
		if _, ok := seen[s.eventName]; ok {
			continue
		}
		seen[s.eventName] = struct{}{}
		names = append(names, s.eventName)
	}
	return names
}

func (b *Bus) healthCheck(ctx context.Context, st *state) {
	if len(st.subs) == 0 {
		return
	}
	if st.conn == nil {
		b.connect(ctx, st)
		return
	}
	// Watches that failed earlier are retried on every health tick.
	for _, name := range b.eventNames(st) {
		b.rewatch(ctx, st, name)
	}
	if st.probing {
		return
	}
	st.probing = true
	conn, gen := st.conn, st.gen
	go func() {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
		defer cancel()
		head, err := conn.Probe(pctx)
		b.post(probeResult{gen: gen, head: head, err: err})
	}()
}

func (b *Bus) recordError(ctx context.Context, st *state, err error) {
	st.consecutiveErrors++
	b.logger.Warn("upstream error",
		zap.Int("consecutive_errors", st.consecutiveErrors),
		zap.Int("threshold", b.cfg.ErrorThreshold),
		zap.Error(err),
	)
	if st.consecutiveErrors < b.cfg.ErrorThreshold {
		return
	}
	st.consecutiveErrors = 0
	b.reconnect(ctx, st, "error threshold reached")
}

// reconnect rebuilds the connection unless a rebuild is already under way.
func (b *Bus) reconnect(ctx context.Context, st *state, reason string) {
	if st.connecting {
		return
	}
	b.logger.Warn("rebuilding upstream connection", zap.String("reason", reason))
	b.teardown(st)
	st.reconnects++
	if len(st.subs) > 0 {
		b.connect(ctx, st)
	}
}

// teardown closes the connection and forgets every watch handle. Results still in flight
// for the old connection are ignored because the generation moves on.
func (b *Bus) teardown(st *state) {
	if st.cancelConnect != nil {
		st.cancelConnect()
		st.cancelConnect = nil
	}
	st.connecting = false
	if st.conn != nil {
		if err := st.conn.Close(); err != nil {
			b.logger.Debug("close upstream connection", zap.Error(err))
		}
		st.conn = nil
	}
	st.gen++
	st.probing = false
	st.consecutiveErrors = 0
	st.watches = make(map[string]*eventWatch)
}

func (b *Bus) dispatch(st *state, batch chain.Batch) {
	order, groups := groupByAddress(batch.Logs)
	for _, addr := range order {
		logs := groups[addr]
		for _, s := range st.subs {
			if !s.matches(batch.EventName, addr) {
				continue
			}
			if !s.enqueue(logs) {
				b.logger.Warn("subscriber mailbox full, dropping batch",
					zap.String("subscription", s.id),
					zap.String("event", batch.EventName),
					zap.Int("logs", len(logs)),
				)
			}
		}
	}
}

func (b *Bus) shutdown(st *state) {
	b.teardown(st)
	for _, s := range st.subs {
		close(s.mailbox)
	}
	st.subs = nil
	st.byID = make(map[string]*subscriber)
	b.publish(st, true)
	b.logger.Info("event bus stopped")
}
