package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

const (
	defaultLiveness    = 30 * time.Second
	defaultAckTimeout  = 10 * time.Second
	defaultDialTimeout = 15 * time.Second
	defaultQueueSize   = 256
)

var (
	errLivenessExpired = errors.New("no frame within liveness window")
	errQueueFull       = errors.New("outbound queue full")
	errAckTimeout      = errors.New("request not acknowledged")
	errClosing         = errors.New("session closing")
)

// StateChange is delivered to SessionConfig.OnState after every transition.
type StateChange struct {
	Status domain.SessionStatus
	Prev   domain.SessionState
	Err    error
}

// SessionConfig configures one Session.
type SessionConfig struct {
	Exchange    domain.ExchangeID
	Index       int
	Dialer      Dialer
	Codec       Codec
	Backoff     Backoff
	MaxAttempts int // consecutive failed opens before Degraded; must be > 0
	Liveness    time.Duration
	AckTimeout  time.Duration
	DialTimeout time.Duration
	QueueSize   int
	OnMessage   func(raw []byte)
	OnState     func(StateChange)
}

// Session owns one streaming connection to one exchange: dialing,
// resubscription, keepalive and the reconnect loop.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    domain.SessionState
	since    time.Time
	attempts int
	lastErr  error
	desired  map[domain.SubscriptionKey]struct{}
	acked    map[domain.SubscriptionKey]struct{}
	pending  map[uint64]*request
	cur      *connState

	nextID   atomic.Uint64
	lastSeen atomic.Int64
	reopen   chan struct{}
}

type request struct {
	keys      []domain.SubscriptionKey
	subscribe bool
	done      chan struct{}
}

type connState struct {
	conn Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
	err  error
}

func (c *connState) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewSession creates a disconnected session. Call Run to start it.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.Liveness <= 0 {
		cfg.Liveness = defaultLiveness
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Session{
		cfg: cfg,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("exchange", string(cfg.Exchange)),
			slog.Int("index", cfg.Index),
		),
		state:   domain.SessionDisconnected,
		since:   time.Now(),
		desired: make(map[domain.SubscriptionKey]struct{}),
		acked:   make(map[domain.SubscriptionKey]struct{}),
		pending: make(map[uint64]*request),
		reopen:  make(chan struct{}, 1),
	}
}

// Subscribe adds key to the desired set and, when connected, queues a wire
// subscribe. Best-effort: anything not acknowledged is resent on reconnect.
func (s *Session) Subscribe(key domain.SubscriptionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.desired[key]; ok {
		return
	}
	s.desired[key] = struct{}{}
	if s.state == domain.SessionConnected && s.cur != nil {
		_, _ = s.requestLocked(s.cur, true, []domain.SubscriptionKey{key})
	}
}

// Unsubscribe removes key from the desired set and, when connected, queues a
// wire unsubscribe.
func (s *Session) Unsubscribe(key domain.SubscriptionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.desired[key]; !ok {
		return
	}
	delete(s.desired, key)
	delete(s.acked, key)
	if s.state == domain.SessionConnected && s.cur != nil {
		_, _ = s.requestLocked(s.cur, false, []domain.SubscriptionKey{key})
	}
}

// Status returns a point-in-time report.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Acked returns the subscriptions acknowledged on the current connection.
func (s *Session) Acked() []domain.SubscriptionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.acked)
}

// Desired returns every subscription the session should hold.
func (s *Session) Desired() []domain.SubscriptionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.desired)
}

// Reopen restarts the connect loop of a Degraded session.
func (s *Session) Reopen() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != domain.SessionDegraded {
		return fmt.Errorf("feed: reopen %s session: %w", state, domain.ErrInvalidTransition)
	}
	select {
	case s.reopen <- struct{}{}:
	default:
	}
	return nil
}

// Run connects and keeps the session connected until ctx is cancelled.
// Failed opens back off with full jitter; after MaxAttempts consecutive
// failures the session is Degraded and waits for Reopen.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	failures := 0
	for {
		cs, err := s.open(ctx)
		if err == nil {
			failures = 0
			s.logger.Info("session connected", slog.Int("subscriptions", len(s.Acked())))
			select {
			case <-cs.done:
			case <-ctx.Done():
				cs.fail(errClosing)
				return nil
			}
			s.lost(cs)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.mu.Lock()
			s.attempts = failures
			s.lastErr = err
			s.mu.Unlock()
			s.logger.Warn("session open failed",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()),
			)

			if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
				_ = s.setState(domain.SessionDegraded, err)
				s.logger.Error("session degraded: retry budget exhausted",
					slog.Int("attempts", failures),
					slog.String("error", err.Error()),
				)
				select {
				case <-s.reopen:
					failures = 0
					continue
				case <-ctx.Done():
					return nil
				}
			}
			_ = s.setState(domain.SessionDisconnected, err)
		}

		if !sleepCtx(ctx, s.cfg.Backoff.Next(failures)) {
			return nil
		}
	}
}

// open dials, authenticates and resubscribes. The session reports Connected
// only after every desired subscription has been acknowledged.
func (s *Session) open(ctx context.Context) (*connState, error) {
	if err := s.setState(domain.SessionConnecting, nil); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.cfg.Dialer.Dial(dialCtx, s.touch)
	cancel()
	if err != nil {
		return nil, s.connErr("dial", err)
	}
	s.touch()

	cs := &connState{
		conn: conn,
		out:  make(chan []byte, s.cfg.QueueSize),
		done: make(chan struct{}),
	}
	go s.readLoop(cs)
	go s.writeLoop(cs)

	if auth, ok := s.cfg.Codec.(Authenticator); ok {
		if err := s.authenticate(ctx, cs, auth); err != nil {
			cs.fail(err)
			return nil, s.connErr("auth", err)
		}
	}

	s.mu.Lock()
	s.cur = cs
	s.acked = make(map[domain.SubscriptionKey]struct{})
	batch := sortedKeys(s.desired)
	var req *request
	if len(batch) > 0 {
		req, err = s.requestLocked(cs, true, batch)
	}
	s.mu.Unlock()
	if err != nil {
		cs.fail(err)
		s.clearConn(cs)
		return nil, s.connErr("resubscribe", err)
	}
	if req != nil {
		if err := s.await(ctx, cs, req); err != nil {
			cs.fail(err)
			s.clearConn(cs)
			return nil, s.connErr("resubscribe", err)
		}
	}

	s.mu.Lock()
	// Reconcile changes made while the batch was in flight.
	var add, drop []domain.SubscriptionKey
	for k := range s.desired {
		if _, ok := s.acked[k]; !ok {
			add = append(add, k)
		}
	}
	for _, k := range batch {
		if _, ok := s.desired[k]; !ok {
			drop = append(drop, k)
		}
	}
	if len(add) > 0 {
		_, _ = s.requestLocked(cs, true, add)
	}
	if len(drop) > 0 {
		_, _ = s.requestLocked(cs, false, drop)
	}
	change, err := s.transitionLocked(domain.SessionConnected, nil)
	if err == nil {
		s.attempts = 0
		s.lastErr = nil
	}
	s.mu.Unlock()
	if err != nil {
		cs.fail(err)
		s.clearConn(cs)
		return nil, err
	}
	s.notify(change)
	return cs, nil
}

func (s *Session) authenticate(ctx context.Context, cs *connState, auth Authenticator) error {
	id := s.nextID.Add(1)
	frame, err := auth.EncodeAuth(id)
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	req := &request{done: make(chan struct{})}
	s.mu.Lock()
	s.pending[id] = req
	s.mu.Unlock()
	select {
	case cs.out <- frame:
	default:
		return errQueueFull
	}
	return s.await(ctx, cs, req)
}

// requestLocked encodes and queues a (un)subscribe request. Caller holds s.mu.
func (s *Session) requestLocked(cs *connState, subscribe bool, keys []domain.SubscriptionKey) (*request, error) {
	id := s.nextID.Add(1)
	var (
		frame []byte
		err   error
	)
	if subscribe {
		frame, err = s.cfg.Codec.EncodeSubscribe(id, keys)
	} else {
		frame, err = s.cfg.Codec.EncodeUnsubscribe(id, keys)
	}
	if err != nil {
		s.logger.Error("encode request failed",
			slog.Bool("subscribe", subscribe),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	req := &request{keys: keys, subscribe: subscribe, done: make(chan struct{})}
	s.pending[id] = req
	select {
	case cs.out <- frame:
	default:
		delete(s.pending, id)
		// Force a reconnect so the desired set is resent in full.
		cs.fail(errQueueFull)
		return nil, errQueueFull
	}
	return req, nil
}

func (s *Session) await(ctx context.Context, cs *connState, req *request) error {
	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-req.done:
		return nil
	case <-cs.done:
		return cs.err
	case <-timer.C:
		return errAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleAck(id uint64) {
	s.mu.Lock()
	req, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		if req.subscribe {
			for _, k := range req.keys {
				if _, want := s.desired[k]; want {
					s.acked[k] = struct{}{}
				}
			}
		}
	}
	s.mu.Unlock()
	if ok {
		close(req.done)
	}
}

func (s *Session) readLoop(cs *connState) {
	for {
		raw, err := cs.conn.ReadMessage()
		if err != nil {
			cs.fail(err)
			return
		}
		s.touch()
		if id, ok := s.cfg.Codec.ParseAck(raw); ok {
			s.handleAck(id)
			continue
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(raw)
		}
	}
}

// writeLoop is the only writer on the connection. It also sends keepalive
// pings and enforces the liveness window.
func (s *Session) writeLoop(cs *connState) {
	ping := time.NewTicker(s.cfg.Liveness / 3)
	defer ping.Stop()
	check := time.NewTicker(max(s.cfg.Liveness/10, 5*time.Millisecond))
	defer check.Stop()

	for {
		select {
		case <-cs.done:
			return
		case frame := <-cs.out:
			if err := cs.conn.WriteMessage(frame); err != nil {
				cs.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-ping.C:
			if err := cs.conn.Ping(); err != nil {
				cs.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case <-check.C:
			last := time.Unix(0, s.lastSeen.Load())
			if time.Since(last) > s.cfg.Liveness {
				cs.fail(errLivenessExpired)
				return
			}
		}
	}
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) lost(cs *connState) {
	s.clearConn(cs)
	err := cs.err
	if err == nil {
		err = errors.New("connection closed")
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("session connection lost", slog.String("error", err.Error()))
	_ = s.setState(domain.SessionDisconnected, err)
}

func (s *Session) clearConn(cs *connState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != cs {
		return
	}
	s.cur = nil
	s.acked = make(map[domain.SubscriptionKey]struct{})
	s.pending = make(map[uint64]*request)
}

func (s *Session) shutdown() {
	s.mu.Lock()
	cs := s.cur
	s.mu.Unlock()
	_ = s.setState(domain.SessionClosing, nil)
	if cs != nil {
		cs.fail(errClosing)
		s.clearConn(cs)
	}
	_ = s.setState(domain.SessionDisconnected, nil)
	s.logger.Info("session closed")
}

func (s *Session) setState(to domain.SessionState, cause error) error {
	s.mu.Lock()
	change, err := s.transitionLocked(to, cause)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(change)
	return nil
}

func (s *Session) transitionLocked(to domain.SessionState, cause error) (StateChange, error) {
	if s.state == to {
		return StateChange{}, nil
	}
	if err := checkTransition(s.state, to); err != nil {
		s.logger.Error("illegal session transition", slog.String("error", err.Error()))
		return StateChange{}, err
	}
	prev := s.state
	s.state = to
	s.since = time.Now()
	return StateChange{Status: s.statusLocked(), Prev: prev, Err: cause}, nil
}

func (s *Session) notify(change StateChange) {
	if change.Status.State == "" || s.cfg.OnState == nil {
		return
	}
	s.cfg.OnState(change)
}

func (s *Session) statusLocked() domain.SessionStatus {
	st := domain.SessionStatus{
		Exchange:      s.cfg.Exchange,
		Index:         s.cfg.Index,
		State:         s.state,
		Since:         s.since,
		Attempts:      s.attempts,
		Subscriptions: len(s.acked),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) connErr(op string, err error) error {
	return &domain.ConnectionError{Exchange: s.cfg.Exchange, Op: op, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func sortedKeys(m map[domain.SubscriptionKey]struct{}) []domain.SubscriptionKey {
	out := make([]domain.SubscriptionKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
