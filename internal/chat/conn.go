package chat

//go:generate mockgen -source=conn.go -destination=mock_wsconn_test.go -package=chat -mock_names=wsConn=MockWSConn -exclude_interfaces=stopper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/coder/websocket"
)

const (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultReconnectBaseDelay = time.Second
	defaultMaxReconnects      = 5

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second

	// maxBackoffShift bounds base << (attempt-1) against overflow.
	maxBackoffShift = 20

	// readLimit caps a single inbound frame.
	readLimit = 1 << 20
)

var pingFrame = []byte(`{"type":"ping"}`)

// ConnState is the lifecycle state of the duplex connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// wsConn abstracts the WebSocket connection so ConnManager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type stopper interface {
	Stop() bool
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ConnConfig holds the endpoint and timing for a ConnManager. Zero
// durations fall back to 30s heartbeat and 1s backoff base.
type ConnConfig struct {
	URL    string
	Header http.Header

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// ConnManager owns the single duplex connection of a signed-in session:
// its state machine, heartbeat and reconnect policy. Subscribers receive
// inbound frames and lifecycle notifications on the manager's goroutines
// and must not block.
type ConnManager struct {
	cfg       ConnConfig
	logger    *slog.Logger
	dial      dialFunc
	afterFunc func(time.Duration, func()) stopper

	mu          sync.Mutex
	state       ConnState
	manualClose bool
	attempts    int

	// gen identifies the current connection attempt. Callbacks from a
	// superseded connection or a cancelled retry compare against it and
	// become no-ops.
	gen        uint64
	conn       wsConn
	connCancel context.CancelFunc
	retry      stopper

	// writeMu serializes writes from Send and the heartbeat.
	writeMu sync.Mutex

	onMessage    handlers[func([]byte)]
	onConnect    handlers[func()]
	onDisconnect handlers[func(error)]
	onError      handlers[func(error)]
	onState      handlers[func(ConnState, error)]
}

// NewConnManager creates an idle manager. Nothing is dialled until Connect.
func NewConnManager(cfg ConnConfig, logger *slog.Logger) *ConnManager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}

	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}

	return &ConnManager{
		cfg:    cfg,
		logger: logger,
		dial:   dialWebsocket,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// base * 2^(n-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shift := min(attempt-1, maxBackoffShift)

	return base << shift
}

// OnMessage subscribes to inbound text frames. The returned func removes
// the subscription.
func (cm *ConnManager) OnMessage(fn func([]byte)) func() { return cm.onMessage.add(fn) }

// OnConnect subscribes to successful opens, including reconnects.
func (cm *ConnManager) OnConnect(fn func()) func() { return cm.onConnect.add(fn) }

// OnDisconnect subscribes to the loss of an open connection. The error is
// nil after Disconnect.
func (cm *ConnManager) OnDisconnect(fn func(error)) func() { return cm.onDisconnect.add(fn) }

// OnError subscribes to transport errors: failed dials and abnormal closes.
func (cm *ConnManager) OnError(fn func(error)) func() { return cm.onError.add(fn) }

// OnStateChange subscribes to state transitions. The error is
// ErrReconnectExhausted on the terminal transition to Closed and nil
// otherwise.
func (cm *ConnManager) OnStateChange(fn func(ConnState, error)) func() {
	return cm.onState.add(fn)
}

// State returns the current connection state.
func (cm *ConnManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.state
}

// Connected reports whether the connection is open.
func (cm *ConnManager) Connected() bool {
	return cm.State() == StateOpen
}

// Connect opens the connection. It is a no-op while Open or Connecting.
// A manual Connect clears a previous Disconnect, resets the retry counter
// and cancels any pending retry. If the dial fails the error is returned
// and a retry is scheduled.
func (cm *ConnManager) Connect(ctx context.Context) error {
	cm.mu.Lock()

	if cm.state == StateOpen || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}

	cm.manualClose = false
	cm.attempts = 0

	if cm.retry != nil {
		cm.retry.Stop()
		cm.retry = nil
	}

	cm.gen++
	gen := cm.gen
	cm.state = StateConnecting
	cm.mu.Unlock()

	cm.emitState(StateConnecting, nil)

	return cm.open(ctx, gen)
}

// open dials and, if gen is still current, installs the connection and
// starts its reader and heartbeat.
func (cm *ConnManager) open(ctx context.Context, gen uint64) error {
	cm.logger.Debug("connecting", slog.String("url", cm.cfg.URL))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := cm.dial(dialCtx, cm.cfg.URL, cm.cfg.Header)
	cancel()

	if err != nil {
		err = fmt.Errorf("dialing websocket: %w", err)
		cm.handleClose(gen, err)

		return err
	}

	cm.mu.Lock()

	if gen != cm.gen || cm.manualClose {
		cm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")

		return nil
	}

	conn.SetReadLimit(readLimit)

	// The connection outlives the Connect call; Disconnect ends it.
	connCtx, connCancel := context.WithCancel(context.Background())
	cm.conn = conn
	cm.connCancel = connCancel
	cm.attempts = 0
	cm.state = StateOpen
	cm.mu.Unlock()

	cm.logger.Info("connected", slog.String("url", cm.cfg.URL))
	cm.emitState(StateOpen, nil)

	for _, fn := range cm.onConnect.snapshot() {
		fn()
	}

	go cm.readLoop(connCtx, gen, conn)
	go cm.heartbeat(connCtx, conn)

	return nil
}

// readLoop delivers inbound text frames until the connection fails or is
// cancelled.
func (cm *ConnManager) readLoop(ctx context.Context, gen uint64, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			cm.handleClose(gen, err)
			return
		}

		if typ != websocket.MessageText {
			cm.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		for _, fn := range cm.onMessage.snapshot() {
			fn(data)
		}
	}
}

// heartbeat writes a ping every interval. No reply is expected and a
// failed ping is not treated as a connection failure: only the reader
// decides that.
func (cm *ConnManager) heartbeat(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cm.write(ctx, conn, pingFrame); err != nil {
				cm.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
				continue
			}

			metrics.HeartbeatsSent.Inc()
		}
	}
}

// handleClose moves a failed connection or dial to Closed and schedules
// the next retry, or gives up once the retry ceiling is reached.
func (cm *ConnManager) handleClose(gen uint64, cause error) {
	cm.mu.Lock()

	if gen != cm.gen {
		cm.mu.Unlock()
		return
	}

	wasOpen := cm.state == StateOpen

	if cm.connCancel != nil {
		cm.connCancel()
		cm.connCancel = nil
	}

	cm.conn = nil
	cm.state = StateClosed

	if cm.manualClose {
		cm.mu.Unlock()
		cm.emitState(StateClosed, nil)

		return
	}

	var (
		terminal error
		delay    time.Duration
		attempt  int
	)

	if cm.attempts < cm.cfg.MaxReconnectAttempts {
		cm.attempts++
		attempt = cm.attempts
		delay = BackoffDelay(cm.cfg.ReconnectBaseDelay, attempt)

		cm.gen++
		next := cm.gen
		cm.retry = cm.afterFunc(delay, func() { cm.reconnect(next) })
	} else {
		terminal = chaterrors.ErrReconnectExhausted
	}

	cm.mu.Unlock()

	if terminal != nil {
		cm.logger.Warn("connection lost, giving up",
			slog.String("error", errString(cause)),
			slog.Int("attempts", cm.cfg.MaxReconnectAttempts),
		)
	} else {
		metrics.ReconnectAttempts.Inc()
		cm.logger.Warn("connection lost, reconnecting",
			slog.String("error", errString(cause)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
		)
	}

	if cause != nil && !isCloseFrame(cause) {
		for _, fn := range cm.onError.snapshot() {
			fn(cause)
		}
	}

	cm.emitState(StateClosed, terminal)

	if wasOpen {
		for _, fn := range cm.onDisconnect.snapshot() {
			fn(cause)
		}
	}
}

// reconnect runs when a backoff timer fires. It does nothing if the retry
// was superseded by Connect or cancelled by Disconnect.
func (cm *ConnManager) reconnect(gen uint64) {
	cm.mu.Lock()

	if cm.manualClose || gen != cm.gen || cm.state != StateClosed {
		cm.mu.Unlock()
		return
	}

	cm.retry = nil
	cm.state = StateConnecting
	cm.mu.Unlock()

	cm.emitState(StateConnecting, nil)

	if err := cm.open(context.Background(), gen); err != nil {
		cm.logger.Debug("reconnect failed", slog.String("error", err.Error()))
	}
}

// Disconnect closes the connection and cancels any pending retry. No
// reconnect follows until the next Connect.
func (cm *ConnManager) Disconnect() error {
	cm.mu.Lock()

	cm.manualClose = true

	if cm.retry != nil {
		cm.retry.Stop()
		cm.retry = nil
	}

	cm.gen++

	conn := cm.conn
	cancel := cm.connCancel
	cm.conn = nil
	cm.connCancel = nil

	prev := cm.state
	if prev == StateIdle || prev == StateClosed {
		cm.state = StateClosed
		cm.mu.Unlock()

		if prev == StateIdle {
			cm.emitState(StateClosed, nil)
		}

		return nil
	}

	cm.state = StateClosing
	cm.mu.Unlock()

	cm.emitState(StateClosing, nil)

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	cm.mu.Lock()
	closed := cm.state == StateClosing
	if closed {
		cm.state = StateClosed
	}
	cm.mu.Unlock()

	if closed {
		cm.emitState(StateClosed, nil)
	}

	if prev == StateOpen {
		for _, fn := range cm.onDisconnect.snapshot() {
			fn(nil)
		}
	}

	cm.logger.Info("disconnected")

	return err
}

// Send serializes frame as JSON and writes it. It fails with
// ErrNotConnected unless the connection is open. No acknowledgement is
// awaited.
func (cm *ConnManager) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	cm.mu.Lock()
	state, conn := cm.state, cm.conn
	cm.mu.Unlock()

	if state != StateOpen || conn == nil {
		return chaterrors.ErrNotConnected
	}

	return cm.write(ctx, conn, data)
}

func (cm *ConnManager) write(ctx context.Context, conn wsConn, data []byte) error {
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

func (cm *ConnManager) emitState(s ConnState, err error) {
	metrics.ConnectionState.Set(float64(s))

	for _, fn := range cm.onState.snapshot() {
		fn(s, err)
	}
}

// isCloseFrame reports whether err carries a close frame from the peer
// or from our own Close.
func isCloseFrame(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// handlers is an ordered set of subscriber callbacks.
type handlers[F any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[F]
}

type handlerEntry[F any] struct {
	id int
	fn F
}

func (h *handlers[F]) add(fn F) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, handlerEntry[F]{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		for i, e := range h.entries {
			if e.id == id {
				h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
				return
			}
		}
	}
}

func (h *handlers[F]) snapshot() []F {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]F, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.fn
	}

	return out
}
