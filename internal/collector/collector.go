// Package collector owns the streaming side of the pipeline: one
// Collector per exchange connection group, each driving a socket, a
// subscription map, and a bounded ring of parsed records. The
// Coordinator shards symbols across collectors and supervises them.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/buffer"
	"github.com/adred-codev/odin-ingest/internal/bus"
	"github.com/adred-codev/odin-ingest/internal/exchange"
	"github.com/adred-codev/odin-ingest/internal/market"
	"github.com/adred-codev/odin-ingest/internal/monitoring"
)

// errFatal marks a stream ending that must not enter the reconnect
// ladder; the collector is already in ERROR.
var errFatal = errors.New("fatal collector error")

// gaugePeriod is how often the maintenance loop emits metric samples.
const gaugePeriod = 15 * time.Second

// SubState is the lifecycle of one symbol subscription.
type SubState string

const (
	SubPending      SubState = "PENDING"
	SubSubscribed   SubState = "SUBSCRIBED"
	SubUnsubscribed SubState = "UNSUBSCRIBED"
	SubFailed       SubState = "FAILED"
)

type subscription struct {
	state       SubState
	lastUpdated time.Time
	attempts    int
}

// Config is the collector policy section of the configuration bundle.
type Config struct {
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	MaxReconnectBackoff  time.Duration
	RestInterval         time.Duration
	MaxRestBackoff       time.Duration
	ConnectionTimeout    time.Duration
	Buffer               buffer.Config
}

// Deps are the injected collaborators. Bus, Tracker, and Metrics may be
// nil; the collector then skips the corresponding emissions.
type Deps struct {
	Adapter    exchange.Adapter
	Dialer     Dialer
	Bus        bus.Bus
	Reporter   monitoring.ErrorReporter
	Tracker    monitoring.StateTracker
	Metrics    monitoring.MetricSink
	Logger     zerolog.Logger
	RestURL    string
	HTTPClient *http.Client
	Now        func() time.Time
}

type pendingOp int

const (
	opSubscribe pendingOp = iota
	opUnsubscribe
	opList
)

type pendingRequest struct {
	op      pendingOp
	symbols []string
	initial bool
	timer   *time.Timer
}

// Collector owns one exchange connection and its subscription group.
type Collector struct {
	id      string
	symbols []string // declaration order, grows on runtime subscribes
	cfg     Config
	deps    Deps
	params  exchange.ConnectionParams
	logger  zerolog.Logger

	machine *machine
	ring    *buffer.Ring[*market.Record]
	dedup   *dedupWindow

	subMu sync.Mutex
	subs  map[string]*subscription

	pendMu  sync.Mutex
	pending map[int64]*pendingRequest
	nextReq atomic.Int64

	connMu sync.Mutex
	conn   Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	errCh    chan *monitoring.PipelineError

	messages   atomic.Uint64
	reconnects atomic.Uint64
	duplicates atomic.Uint64
	unexpected atomic.Uint64
	malformed  atomic.Uint64
}

// New builds a collector for one symbol group. All symbols start
// PENDING; Start issues the subscribe once the socket is up.
func New(id string, symbols []string, cfg Config, deps Deps) (*Collector, error) {
	if deps.Adapter == nil {
		return nil, fmt.Errorf("collector %s: adapter required", id)
	}
	if deps.Dialer == nil {
		deps.Dialer = WSDialer{}
	}
	if deps.Reporter == nil {
		return nil, fmt.Errorf("collector %s: error reporter required", id)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = 30 * time.Second
	}
	if cfg.RestInterval <= 0 {
		cfg.RestInterval = 5 * time.Second
	}
	if cfg.MaxRestBackoff <= 0 {
		cfg.MaxRestBackoff = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		id:      id,
		symbols: append([]string(nil), symbols...),
		cfg:     cfg,
		deps:    deps,
		params:  deps.Adapter.Params(),
		logger:  deps.Logger.With().Str("component", "collector").Str("collector", id).Logger(),
		machine: newMachine(),
		dedup:   newDedupWindow(),
		subs:    make(map[string]*subscription, len(symbols)),
		pending: make(map[int64]*pendingRequest),
		ctx:     ctx,
		cancel:  cancel,
		errCh:   make(chan *monitoring.PipelineError, 1),
	}
	for _, sym := range symbols {
		c.subs[sym] = &subscription{state: SubPending, lastUpdated: c.now()}
	}

	ringCfg := cfg.Buffer
	ringCfg.Name = id
	ring, err := buffer.New[*market.Record](ringCfg, c.ringSink, c.logger, deps.Bus)
	if err != nil {
		cancel()
		return nil, err
	}
	c.ring = ring
	return c, nil
}

// ringSink publishes each drained record as MARKET_DATA; the processor
// and the external publishers all consume that stream.
func (c *Collector) ringSink(items []*market.Record) error {
	if c.deps.Bus != nil {
		for _, rec := range items {
			c.deps.Bus.Publish(bus.TopicMarketData, rec)
		}
	}
	return nil
}

// ID returns the collector id.
func (c *Collector) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Collector) State() State {
	s, _ := c.machine.current()
	return s
}

// Errors exposes terminal failures for the coordinator to act on.
func (c *Collector) Errors() <-chan *monitoring.PipelineError { return c.errCh }

// Start moves INITIAL (or a manually recovered ERROR) to CONNECTING and
// launches the connection driver. Connection progress is asynchronous;
// dial failures feed the reconnect ladder instead of failing Start.
func (c *Collector) Start() error {
	prev, err := c.machine.transition(StateConnecting)
	if err != nil {
		return err
	}
	c.emitTransition(prev, StateConnecting, "start requested")

	c.wg.Add(2)
	go c.run()
	go c.maintenance()
	return nil
}

// Stop tears the collector down: cancels timers, closes the socket,
// flushes and disposes the buffer, and lands in STOPPED. Idempotent.
func (c *Collector) Stop() error {
	var flushErr error
	c.stopOnce.Do(func() {
		if prev, err := c.machine.transition(StateStopping); err == nil {
			c.emitTransition(prev, StateStopping, "stop requested")
		} else if prev, err := c.machine.transition(StateStopped); err == nil {
			// INITIAL and ERROR stop directly.
			c.emitTransition(prev, StateStopped, "stop requested")
		}

		c.cancel()
		c.closeConn()
		c.clearPending()
		c.wg.Wait()

		flushErr = c.ring.Flush()
		c.ring.Dispose()

		if c.machine.is(StateStopping) {
			if prev, err := c.machine.transition(StateStopped); err == nil {
				c.emitTransition(prev, StateStopped, "stopped")
			}
		}
	})
	return flushErr
}

// Subscribe adds symbols to the group. Allowed only in RUNNING.
func (c *Collector) Subscribe(symbols []string) error {
	if !c.machine.is(StateRunning) {
		return fmt.Errorf("%w: subscribe requires RUNNING", ErrInvalidState)
	}

	now := c.now()
	c.subMu.Lock()
	for _, sym := range symbols {
		sub, ok := c.subs[sym]
		if !ok {
			sub = &subscription{}
			c.subs[sym] = sub
			c.symbols = append(c.symbols, sym)
		}
		sub.state = SubPending
		sub.lastUpdated = now
		sub.attempts++
	}
	c.subMu.Unlock()

	return c.sendRequest(opSubscribe, symbols, false)
}

// Unsubscribe removes symbols from the group. Allowed only in RUNNING.
// Entries are removed once the exchange acknowledges.
func (c *Collector) Unsubscribe(symbols []string) error {
	if !c.machine.is(StateRunning) {
		return fmt.Errorf("%w: unsubscribe requires RUNNING", ErrInvalidState)
	}

	now := c.now()
	c.subMu.Lock()
	for _, sym := range symbols {
		if sub, ok := c.subs[sym]; ok {
			sub.state = SubUnsubscribed
			sub.lastUpdated = now
		}
	}
	c.subMu.Unlock()

	return c.sendRequest(opUnsubscribe, symbols, false)
}

// ListSubscriptions asks the exchange for its view of the stream set.
// The response is logged when it arrives.
func (c *Collector) ListSubscriptions() error {
	if !c.machine.is(StateRunning) {
		return fmt.Errorf("%w: list requires RUNNING", ErrInvalidState)
	}
	return c.sendRequest(opList, nil, false)
}

func (c *Collector) sendRequest(op pendingOp, symbols []string, initial bool) error {
	reqID := c.nextReq.Add(1)

	var frame []byte
	var err error
	switch op {
	case opSubscribe:
		frame, err = c.deps.Adapter.BuildSubscribe(symbols, reqID)
	case opUnsubscribe:
		frame, err = c.deps.Adapter.BuildUnsubscribe(symbols, reqID)
	case opList:
		frame, err = c.deps.Adapter.BuildList(reqID)
	}
	if err != nil {
		return err
	}

	c.addPending(reqID, op, symbols, initial)
	if err := c.writeConn(frame); err != nil {
		c.removePending(reqID)
		return err
	}
	return nil
}

// Status is a point-in-time snapshot for health and metrics.
type Status struct {
	ID            string            `json:"id"`
	Exchange      string            `json:"exchange"`
	State         string            `json:"state"`
	Since         time.Time         `json:"since"`
	Messages      uint64            `json:"messages"`
	Reconnects    uint64            `json:"reconnects"`
	Duplicates    uint64            `json:"duplicates"`
	Unexpected    uint64            `json:"unexpectedSymbols"`
	Malformed     uint64            `json:"malformedFrames"`
	Subscriptions map[string]string `json:"subscriptions"`
	Buffer        buffer.Stats      `json:"buffer"`
}

func (c *Collector) Status() Status {
	state, since := c.machine.current()

	c.subMu.Lock()
	subs := make(map[string]string, len(c.subs))
	for sym, sub := range c.subs {
		subs[sym] = string(sub.state)
	}
	c.subMu.Unlock()

	return Status{
		ID:            c.id,
		Exchange:      c.deps.Adapter.Name(),
		State:         state.String(),
		Since:         since,
		Messages:      c.messages.Load(),
		Reconnects:    c.reconnects.Load(),
		Duplicates:    c.duplicates.Load(),
		Unexpected:    c.unexpected.Load(),
		Malformed:     c.malformed.Load(),
		Subscriptions: subs,
		Buffer:        c.ring.Stats(),
	}
}

// run drives the connect / stream / reconnect / fallback ladder until
// the collector stops or fails fatally.
func (c *Collector) run() {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "collector_run")

	bo := c.newReconnectBackoff()
	failures := 0
	var probe Conn

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn := probe
		probe = nil
		if conn == nil {
			var err error
			conn, err = c.dial(c.cfg.ConnectionTimeout)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				failures++
				c.noteConnFailure(failures, err)
				next, ok := c.afterFailure(failures, bo, "connect failed")
				if !ok {
					return
				}
				if next != nil {
					probe = next
					failures = 0
					bo.Reset()
				}
				continue
			}
		}

		if !c.toState(StateConnected, "socket open") {
			conn.Close()
			return
		}
		failures = 0
		bo.Reset()
		c.setConn(conn)

		streamErr := c.stream(conn)
		c.setConn(nil)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		if errors.Is(streamErr, errFatal) {
			return
		}

		reason := "connection closed"
		if streamErr != nil {
			reason = streamErr.Error()
			c.deps.Reporter.Report(monitoring.NewError(
				monitoring.CodeNetwork, monitoring.SeverityRecoverable, c.id, "stream ended", streamErr))
		}
		failures++
		c.noteConnFailure(failures, streamErr)
		next, ok := c.afterFailure(failures, bo, reason)
		if !ok {
			return
		}
		if next != nil {
			probe = next
			failures = 0
			bo.Reset()
		}
	}
}

// afterFailure walks the reconnect ladder after one failed connection
// cycle. It returns a probed connection when fallback recovered the
// socket, or ok=false when the collector should exit.
func (c *Collector) afterFailure(failures int, bo *backoff.ExponentialBackOff, reason string) (Conn, bool) {
	if !c.toState(StateReconnecting, reason) {
		return nil, false
	}
	if failures >= c.cfg.MaxReconnectAttempts {
		if !c.toState(StateFallback, "reconnect budget exhausted") {
			return nil, false
		}
		conn := c.fallbackLoop()
		if conn == nil {
			return nil, false
		}
		return conn, true
	}

	delay := bo.NextBackOff()
	c.logger.Info().Dur("delay", delay).Int("attempt", failures).Msg("scheduling reconnect")
	select {
	case <-time.After(delay):
	case <-c.ctx.Done():
		return nil, false
	}
	if !c.toState(StateConnecting, "reconnect attempt") {
		return nil, false
	}
	return nil, true
}

// stream subscribes the group and pumps frames until the connection
// dies. A nil return means the collector is stopping.
func (c *Collector) stream(conn Conn) error {
	if !c.toState(StateSubscribing, "subscribing streams") {
		return nil
	}
	defer c.clearPending()

	symbols := c.resubscribeSet()
	if len(symbols) > 0 {
		reqID := c.nextReq.Add(1)
		frame, err := c.deps.Adapter.BuildSubscribe(symbols, reqID)
		if err != nil {
			c.fail(monitoring.NewError(
				monitoring.CodeProcess, monitoring.SeverityFatal, c.id, "subscribe frame build failed", err))
			return errFatal
		}
		c.addPending(reqID, opSubscribe, symbols, true)
		if err := conn.Write(frame); err != nil {
			c.removePending(reqID)
			return fmt.Errorf("subscribe write: %w", err)
		}
	} else if !c.toState(StateRunning, "no subscriptions pending") {
		return nil
	}

	sessionCtx, cancelSession := context.WithCancel(c.ctx)
	var hbWG sync.WaitGroup
	defer hbWG.Wait()
	defer cancelSession()

	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		defer monitoring.RecoverPanic(c.logger, "collector_heartbeat")
		c.heartbeat(sessionCtx, conn)
	}()

	for {
		data, err := conn.Read()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(data)
	}
}

// heartbeat pings on the adapter's cadence. A failed ping closes the
// connection so the read loop observes the death promptly.
func (c *Collector) heartbeat(ctx context.Context, conn Conn) {
	every := c.params.PingEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				c.logger.Warn().Err(err).Msg("ping write failed")
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) handleFrame(data []byte) {
	start := time.Now()
	parsed := c.deps.Adapter.ParseFrame(data)
	monitoring.FrameParseDuration.Observe(time.Since(start).Seconds())

	switch parsed.Kind {
	case exchange.KindOrderBook:
		c.handleRecord(parsed.Record)

	case exchange.KindSubscriptionAck:
		c.resolveAck(parsed.RequestID, parsed.OK, parsed.Err)

	case exchange.KindSubscriptionList:
		c.resolveList(parsed.RequestID, parsed.Symbols)

	case exchange.KindPong:
		c.logger.Debug().Msg("pong")

	case exchange.KindError:
		c.malformed.Add(1)
		monitoring.RecordsDropped.WithLabelValues("malformed").Inc()
		c.deps.Reporter.Report(monitoring.NewError(
			monitoring.CodeValidation, monitoring.SeverityRecoverable, c.id, "malformed frame", parsed.Err))

	case exchange.KindIgnored:
		// Valid but uninteresting traffic.
	}
}

// handleRecord applies the intake checks shared by the stream and the
// REST fallback: clock skew, subscription membership, and dedup.
func (c *Collector) handleRecord(rec *market.Record) {
	if rec.Timestamp > c.now().UnixMilli()+market.MaxClockAhead.Milliseconds() {
		monitoring.RecordsDropped.WithLabelValues("clock_ahead").Inc()
		c.deps.Reporter.Report(monitoring.NewError(
			monitoring.CodeValidation, monitoring.SeverityRecoverable, c.id, "timestamp ahead of local clock", nil))
		return
	}

	if !c.accepts(rec.Symbol) {
		c.unexpected.Add(1)
		monitoring.RecordsDropped.WithLabelValues("unexpected_symbol").Inc()
		return
	}

	if !c.dedup.observe(rec.Symbol, rec.Timestamp) {
		c.duplicates.Add(1)
		monitoring.RecordsDropped.WithLabelValues("duplicate").Inc()
		return
	}

	res, err := c.ring.Push(rec)
	if err != nil {
		return // closing down
	}
	if res == buffer.Accepted {
		c.messages.Add(1)
		monitoring.RecordsReceived.WithLabelValues(c.deps.Adapter.Name()).Inc()
	}
}

// accepts reports whether records for the symbol are wanted. PENDING is
// accepted alongside SUBSCRIBED: exchanges start streaming before the
// ack lands, and fallback polls run while nothing is acked at all.
func (c *Collector) accepts(symbol string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sub, ok := c.subs[symbol]
	return ok && (sub.state == SubSubscribed || sub.state == SubPending)
}

func (c *Collector) resolveAck(reqID int64, ok bool, ackErr error) {
	c.pendMu.Lock()
	req, found := c.pending[reqID]
	if found {
		delete(c.pending, reqID)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	c.pendMu.Unlock()
	if !found {
		c.logger.Debug().Int64("request_id", reqID).Msg("ack for unknown request")
		return
	}

	now := c.now()
	switch req.op {
	case opSubscribe:
		c.subMu.Lock()
		for _, sym := range req.symbols {
			if sub, exists := c.subs[sym]; exists {
				if ok {
					sub.state = SubSubscribed
				} else {
					sub.state = SubFailed
				}
				sub.lastUpdated = now
			}
		}
		c.subMu.Unlock()

		if ok {
			c.logger.Info().Int("symbols", len(req.symbols)).Int64("request_id", reqID).Msg("subscriptions acknowledged")
			if req.initial {
				c.toState(StateRunning, "subscriptions acknowledged")
			}
			return
		}
		c.deps.Reporter.Report(monitoring.NewError(
			monitoring.CodeNetwork, monitoring.SeverityRecoverable, c.id, "subscribe rejected", ackErr))
		if req.initial {
			// Nothing is streaming; force a reconnect cycle.
			c.closeConn()
		}

	case opUnsubscribe:
		c.subMu.Lock()
		for _, sym := range req.symbols {
			if ok {
				delete(c.subs, sym)
			} else if sub, exists := c.subs[sym]; exists {
				sub.state = SubSubscribed
				sub.lastUpdated = now
			}
		}
		c.subMu.Unlock()
		if !ok {
			c.deps.Reporter.Report(monitoring.NewError(
				monitoring.CodeNetwork, monitoring.SeverityRecoverable, c.id, "unsubscribe rejected", ackErr))
		}

	case opList:
		// Lists answer through KindSubscriptionList; an ack here means
		// the exchange had nothing to report.
		c.logger.Debug().Int64("request_id", reqID).Msg("empty subscription list")
	}
}

func (c *Collector) resolveList(reqID int64, symbols []string) {
	c.pendMu.Lock()
	if req, found := c.pending[reqID]; found {
		delete(c.pending, reqID)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	c.pendMu.Unlock()
	c.logger.Info().Strs("symbols", symbols).Int64("request_id", reqID).Msg("exchange subscription list")
}

func (c *Collector) addPending(reqID int64, op pendingOp, symbols []string, initial bool) {
	req := &pendingRequest{op: op, symbols: symbols, initial: initial}
	req.timer = time.AfterFunc(c.ackTimeout(), func() { c.onAckTimeout(reqID) })

	c.pendMu.Lock()
	c.pending[reqID] = req
	c.pendMu.Unlock()
}

func (c *Collector) removePending(reqID int64) {
	c.pendMu.Lock()
	if req, found := c.pending[reqID]; found {
		delete(c.pending, reqID)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	c.pendMu.Unlock()
}

// clearPending drops in-flight requests without touching subscription
// states; unacked PENDING symbols are re-issued on the next session.
func (c *Collector) clearPending() {
	c.pendMu.Lock()
	for id, req := range c.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
}

// onAckTimeout marks the request's symbols FAILED. An unacknowledged
// initial subscribe kills the connection so the reconnect ladder takes
// over.
func (c *Collector) onAckTimeout(reqID int64) {
	c.pendMu.Lock()
	req, found := c.pending[reqID]
	if found {
		delete(c.pending, reqID)
	}
	c.pendMu.Unlock()
	if !found {
		return
	}

	now := c.now()
	c.subMu.Lock()
	for _, sym := range req.symbols {
		if sub, exists := c.subs[sym]; exists {
			sub.state = SubFailed
			sub.lastUpdated = now
		}
	}
	c.subMu.Unlock()

	c.deps.Reporter.Report(monitoring.NewError(
		monitoring.CodeTimeout, monitoring.SeverityRecoverable, c.id,
		fmt.Sprintf("no ack for request %d", reqID), nil))
	if req.initial {
		c.closeConn()
	}
}

// resubscribeSet marks every SUBSCRIBED and PENDING symbol PENDING and
// returns them in declaration order for the subscribe frame.
func (c *Collector) resubscribeSet() []string {
	now := c.now()
	c.subMu.Lock()
	defer c.subMu.Unlock()

	out := make([]string, 0, len(c.symbols))
	for _, sym := range c.symbols {
		sub, ok := c.subs[sym]
		if !ok {
			continue
		}
		if sub.state == SubSubscribed || sub.state == SubPending {
			sub.state = SubPending
			sub.lastUpdated = now
			sub.attempts++
			out = append(out, sym)
		}
	}
	return out
}

// maintenance periodically feeds the metric sink.
func (c *Collector) maintenance() {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "collector_maintenance")

	ticker := time.NewTicker(gaugePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.emitGauges()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) emitGauges() {
	if c.deps.Metrics == nil {
		return
	}
	state, _ := c.machine.current()
	stats := c.ring.Stats()
	c.deps.Metrics.Record(monitoring.Sample{Name: "collector_state", Value: float64(state), Labels: []string{c.id}})
	c.deps.Metrics.Record(monitoring.Sample{Name: "buffer_size", Value: float64(stats.Size), Labels: []string{c.id}})
	c.deps.Metrics.Record(monitoring.Sample{Name: "buffer_utilization", Value: stats.UtilizationRate, Labels: []string{c.id}})
}

// toState transitions and emits. A false return means the transition
// was illegal, which happens when Stop won the race; callers unwind.
func (c *Collector) toState(to State, reason string) bool {
	prev, err := c.machine.transition(to)
	if err != nil {
		c.logger.Debug().Err(err).Msg("transition refused")
		return false
	}
	c.emitTransition(prev, to, reason)
	return true
}

// emitTransition publishes the state change after it has taken effect.
func (c *Collector) emitTransition(prev, next State, reason string) {
	now := c.now()
	c.logger.Info().
		Str("prev", prev.String()).
		Str("next", next.String()).
		Str("reason", reason).
		Msg("state changed")

	monitoring.CollectorState.WithLabelValues(c.id).Set(float64(next))
	if prev == StateRunning && next != StateRunning {
		monitoring.ActiveConnectors.Dec()
	} else if prev != StateRunning && next == StateRunning {
		monitoring.ActiveConnectors.Inc()
	}

	if c.deps.Tracker != nil {
		c.deps.Tracker.Set(c.id, next.String(), reason)
	}
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicStateChange, bus.StateChange{
			ID:        c.id,
			Prev:      prev.String(),
			Next:      next.String(),
			Timestamp: now.UnixMilli(),
			Reason:    reason,
		})
	}
}

// fail reports a fatal error, enters ERROR, and notifies the
// coordinator.
func (c *Collector) fail(perr *monitoring.PipelineError) {
	c.deps.Reporter.Report(perr)
	if prev, err := c.machine.transition(StateError); err == nil {
		c.emitTransition(prev, StateError, perr.Message)
	}
	select {
	case c.errCh <- perr:
	default:
	}
}

func (c *Collector) noteConnFailure(attempt int, cause error) {
	c.reconnects.Add(1)
	monitoring.Reconnects.WithLabelValues(c.deps.Adapter.Name()).Inc()
	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicConnectionFailed, bus.ConnectionFailed{
			ID:       c.id,
			Exchange: c.deps.Adapter.Name(),
			Attempt:  attempt,
			Reason:   reason,
		})
	}
}

// newReconnectBackoff yields exactly min(base*2^(k-1), cap) for the
// k-th consecutive failure.
func (c *Collector) newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.cfg.MaxReconnectBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (c *Collector) dial(timeout time.Duration) (Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	return c.deps.Dialer.Dial(ctx, c.params)
}

func (c *Collector) setConn(conn Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Collector) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

func (c *Collector) writeConn(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("collector %s: no active connection", c.id)
	}
	return conn.Write(data)
}

func (c *Collector) ackTimeout() time.Duration {
	if c.params.AckTimeout > 0 {
		return c.params.AckTimeout
	}
	return 10 * time.Second
}

func (c *Collector) now() time.Time {
	if c.deps.Now != nil {
		return c.deps.Now()
	}
	return time.Now()
}

// fetchSnapshot pulls one symbol's order book over REST.
func (c *Collector) fetchSnapshot(symbol string) (*market.Record, error) {
	path, err := c.deps.Adapter.SnapshotPath(symbol)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.deps.RestURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot %s: status %d", symbol, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return c.deps.Adapter.ParseSnapshot(symbol, body, c.now())
}
