package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/trackersync/internal/clock"
	"github.com/agentworkforce/trackersync/internal/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackingOff   State = "backing-off"
)

var States = []State{StateDisconnected, StateConnecting, StateConnected, StateBackingOff}

var (
	ErrInvalidOptions    = errors.New("invalid connection options")
	ErrAuthFailed        = errors.New("push authentication rejected")
	ErrHandshakeTimeout  = errors.New("push handshake timed out")
	ErrProtocol          = errors.New("push protocol violation")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	// ErrSuperseded is returned by an attempt that Disconnect or a newer
	// attempt made obsolete while it was in flight.
	ErrSuperseded = errors.New("connection attempt superseded")
)

// StateChange is delivered to observers on every transition. Fatal is set
// when the manager stopped retrying after exhausting its attempts.
type StateChange struct {
	Previous State
	State    State
	Attempt  int
	Err      error
	Fatal    bool
	At       time.Time
}

// FrameHandler receives every frame after the auth handshake, in arrival
// order, on the connection's read goroutine.
type FrameHandler func(payload []byte)

type Options struct {
	URL   string
	Token string

	// ReconnectInterval is the constant base delay between attempts.
	ReconnectInterval time.Duration
	// ReconnectJitter spreads each delay by ±ratio. Zero disables jitter.
	ReconnectJitter float64
	// MaxReconnectAttempts is the number of consecutive failures after which
	// the manager stops retrying until NetworkOnline or Connect.
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	AuthTimeout          time.Duration
	// PingInterval enables keepalive pings. Zero disables them.
	PingInterval time.Duration

	Dialer  Dialer
	Handler FrameHandler
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Rand returns a uniform sample in [0, 1) for jitter.
	Rand func() float64
}

const (
	defaultReconnectInterval    = 5 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultConnectTimeout       = 10 * time.Second
	defaultAuthTimeout          = 5 * time.Second
)

// Manager owns the push connection lifecycle: handshake, scopes, bounded
// reconnect and shutdown.
type Manager struct {
	opts    Options
	dialer  Dialer
	handler FrameHandler
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	rand    func() float64

	mu            sync.Mutex
	state         State
	attempts      int
	epoch         uint64
	stopped       bool
	token         string
	scopes        []Scope
	conn          Conn
	connCancel    context.CancelFunc
	attemptCancel context.CancelFunc
	timer         clock.Timer

	observersMu  sync.Mutex
	observers    map[int]func(StateChange)
	nextObserver int
	emitMu       sync.Mutex
}

func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidOptions)
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	opts.ReconnectJitter = clampJitterRatio(opts.ReconnectJitter)
	if opts.PingInterval < 0 {
		opts.PingInterval = 0
	}
	m := &Manager{
		opts:      opts,
		dialer:    opts.Dialer,
		handler:   opts.Handler,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		rand:      opts.Rand,
		state:     StateDisconnected,
		stopped:   true,
		token:     opts.Token,
		observers: map[int]func(StateChange){},
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{}
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.rand == nil {
		m.rand = rand.Float64
	}
	return m, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SetToken replaces the credential. The live connection keeps its session;
// the new token is sent on the next handshake.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// Subscribe registers fn for state changes. Observers run synchronously and
// in registration order; they must not call back into Connect or Disconnect.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	m.observersMu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.observersMu.Lock()
			delete(m.observers, id)
			m.observersMu.Unlock()
		})
	}
}

// Connect performs one attempt in the caller's goroutine. A failure is
// returned and also hands the manager to the reconnect schedule.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopped = false
	m.attempts = 0
	m.stopTimerLocked()
	m.mu.Unlock()
	return m.attempt(ctx)
}

// Disconnect closes the connection with a normal status and cancels any
// scheduled or in-flight attempt. The manager stays down until Connect.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.epoch++
	m.stopped = true
	m.stopTimerLocked()
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	conn := m.conn
	cancel := m.connCancel
	m.conn = nil
	m.connCancel = nil
	change := m.transitionLocked(StateDisconnected, nil, false)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(StatusNormalClosure, reason); err != nil {
			m.logger.Debug("close push connection", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	m.emit(change)
}

// NetworkOnline resets the failure counter and makes one immediate attempt
// when the manager is not connected. It does nothing after Disconnect.
func (m *Manager) NetworkOnline() error {
	m.mu.Lock()
	if m.stopped || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.attempts = 0
	m.stopTimerLocked()
	m.mu.Unlock()

	m.logger.Info("network online; reconnecting now", "url", m.opts.URL)
	return m.attempt(context.Background())
}

// AddScope records scope and subscribes it on the live connection. Scopes
// are re-sent after every reconnect. It reports false for an empty or
// already active scope.
func (m *Manager) AddScope(scope Scope) bool {
	key := scope.key()
	if key == "" {
		return false
	}
	scope = Scope{ProjectID: key}
	m.mu.Lock()
	for _, existing := range m.scopes {
		if existing.key() == key {
			m.mu.Unlock()
			return false
		}
	}
	m.scopes = append(m.scopes, scope)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		m.send(conn, encodeScope(FrameSubscribe, scope))
	}
	return true
}

func (m *Manager) RemoveScope(scope Scope) bool {
	key := scope.key()
	m.mu.Lock()
	index := -1
	for i, existing := range m.scopes {
		if existing.key() == key {
			index = i
			break
		}
	}
	if index < 0 {
		m.mu.Unlock()
		return false
	}
	removed := m.scopes[index]
	m.scopes = append(m.scopes[:index], m.scopes[index+1:]...)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		m.send(conn, encodeScope(FrameUnsubscribe, removed))
	}
	return true
}

func (m *Manager) Scopes() []Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Scope(nil), m.scopes...)
}

func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	token := m.token
	attemptCtx, cancel := context.WithCancel(ctx)
	m.attemptCancel = cancel
	change := m.transitionLocked(StateConnecting, nil, false)
	m.mu.Unlock()
	m.emit(change)

	conn, err := m.handshake(attemptCtx, token)
	cancel()

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(StatusNormalClosure, "superseded")
		}
		return ErrSuperseded
	}
	m.attemptCancel = nil
	if err != nil {
		change = m.failLocked(err)
		m.mu.Unlock()
		m.emit(change)
		return err
	}

	m.conn = conn
	m.attempts = 0
	connCtx, connCancel := context.WithCancel(context.Background())
	m.connCancel = connCancel
	scopes := append([]Scope(nil), m.scopes...)
	change = m.transitionLocked(StateConnected, nil, false)
	m.mu.Unlock()

	m.logger.Info("push connection established", "url", m.opts.URL, "scopes", len(scopes))
	m.emit(change)
	for _, scope := range scopes {
		m.send(conn, encodeScope(FrameSubscribe, scope))
	}
	go m.readLoop(connCtx, conn, epoch)
	if m.opts.PingInterval > 0 {
		m.schedulePing(connCtx, conn, epoch)
	}
	return nil
}

func (m *Manager) handshake(ctx context.Context, token string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.opts.URL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, handshakeErr(dialCtx, err))
	}

	authCtx, cancel := context.WithTimeout(ctx, m.opts.AuthTimeout)
	defer cancel()
	if err := conn.Write(authCtx, encodeAuth(token)); err != nil {
		_ = conn.Close(StatusInternalError, "auth write failed")
		return nil, fmt.Errorf("send auth frame: %w", handshakeErr(authCtx, err))
	}
	reply, err := conn.Read(authCtx)
	if err != nil {
		var closeErr *CloseError
		if errors.As(err, &closeErr) && closeErr.Code == StatusPolicyViolation {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, closeErr.Reason)
		}
		_ = conn.Close(StatusPolicyViolation, "auth not acknowledged")
		return nil, fmt.Errorf("await auth ack: %w", handshakeErr(authCtx, err))
	}
	frame, err := decodeControl(reply)
	if err != nil {
		_ = conn.Close(StatusPolicyViolation, "undecodable auth reply")
		return nil, fmt.Errorf("%w: undecodable auth reply: %v", ErrProtocol, err)
	}
	switch frame.Type {
	case FrameAuthOK:
		return conn, nil
	case FrameAuthError:
		_ = conn.Close(StatusNormalClosure, "auth rejected")
		message := frame.Message
		if message == "" {
			message = "credential rejected"
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, message)
	default:
		_ = conn.Close(StatusPolicyViolation, "expected auth ack")
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrProtocol, FrameAuthOK, frame.Type)
	}
}

func handshakeErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		payload, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(conn, epoch, err)
			return
		}
		m.metrics.FrameReceived()
		m.deliver(payload)
	}
}

func (m *Manager) deliver(payload []byte) {
	if m.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame handler panicked", "panic", r)
		}
	}()
	m.handler(payload)
}

func (m *Manager) schedulePing(ctx context.Context, conn Conn, epoch uint64) {
	m.clock.AfterFunc(m.opts.PingInterval, func() {
		if ctx.Err() != nil {
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(conn, epoch, fmt.Errorf("keepalive ping: %w", err))
			return
		}
		m.schedulePing(ctx, conn, epoch)
	})
}

func (m *Manager) connectionLost(conn Conn, epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.conn = nil
	var change *StateChange
	var closeErr *CloseError
	if errors.As(err, &closeErr) && closeErr.Code == StatusNormalClosure {
		m.logger.Info("push connection closed by server", "reason", closeErr.Reason)
		change = m.transitionLocked(StateDisconnected, nil, false)
	} else {
		change = m.failLocked(err)
	}
	m.mu.Unlock()

	_ = conn.Close(StatusGoingAway, "connection lost")
	m.emit(change)
}

func (m *Manager) failLocked(err error) *StateChange {
	m.conn = nil
	m.attempts++
	m.metrics.ConnectFailed(failureReason(err))
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.logger.Error("push connection giving up", "url", m.opts.URL, "attempts", m.attempts, "error", err)
		fatal := fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, m.attempts, err)
		return m.transitionLocked(StateDisconnected, fatal, true)
	}
	delay := jitteredInterval(m.opts.ReconnectInterval, m.opts.ReconnectJitter, m.rand())
	epoch := m.epoch
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(epoch) })
	m.metrics.ReconnectScheduled()
	m.logger.Warn("push connection failed; backing off", "attempt", m.attempts, "delay", delay, "error", err)
	return m.transitionLocked(StateBackingOff, err, false)
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.stopped || m.state != StateBackingOff {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	_ = m.attempt(context.Background())
}

func (m *Manager) send(conn Conn, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	if err := conn.Write(ctx, payload); err != nil {
		m.logger.Warn("push frame write failed", "error", err)
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// transitionLocked returns nil when nothing observable changed.
func (m *Manager) transitionLocked(next State, err error, fatal bool) *StateChange {
	previous := m.state
	if previous == next && err == nil && !fatal {
		return nil
	}
	m.state = next
	m.metrics.SetConnectionState(string(next), stateLabels())
	return &StateChange{
		Previous: previous,
		State:    next,
		Attempt:  m.attempts,
		Err:      err,
		Fatal:    fatal,
		At:       m.clock.Now(),
	}
}

func (m *Manager) emit(change *StateChange) {
	if change == nil {
		return
	}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.observersMu.Lock()
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, m.observers[id])
	}
	m.observersMu.Unlock()

	for _, fn := range observers {
		fn(*change)
	}
}

func stateLabels() []string {
	labels := make([]string, len(States))
	for i, state := range States {
		labels[i] = string(state)
	}
	return labels
}

func failureReason(err error) string {
	var closeErr *CloseError
	switch {
	case errors.Is(err, ErrAuthFailed):
		return "auth"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.As(err, &closeErr):
		return "closed"
	default:
		return "transport"
	}
}
