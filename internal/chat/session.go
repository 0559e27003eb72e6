package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

//go:generate mockgen -source=session.go -destination=mock_api_test.go -package=chat -exclude_interfaces=Connection

const (
	inboundBuffer       = 256
	opsBuffer           = 64
	defaultHistoryLimit = 100
)

// Connection is the duplex channel a Session drives. *ConnManager
// implements it.
type Connection interface {
	Send(ctx context.Context, frame any) error
	State() ConnState
	OnMessage(fn func([]byte)) func()
	OnConnect(fn func()) func()
	OnStateChange(fn func(ConnState, error)) func()
}

// API is the REST collaborator: durable writes, uploads, history and the
// roster. *Client implements it.
type API interface {
	SendMessage(ctx context.Context, key models.ConversationKey, text string) (models.Message, error)
	UploadAttachment(ctx context.Context, key models.ConversationKey, name string, r io.Reader) (models.Message, error)
	GetMessages(ctx context.Context, key models.ConversationKey, limit, offset int) ([]models.Message, error)
	LoadRoster(ctx context.Context) (models.RosterSnapshot, error)
}

// SessionConfig holds the per-login settings of a Session.
type SessionConfig struct {
	Self            models.User
	HistoryLimit    int
	RefreshInterval time.Duration

	// OnActiveChange runs on the event loop after the active conversation
	// changes. It must not call back into the Session.
	OnActiveChange func(models.ConversationKey)
}

// View is an immutable snapshot of the session published after every
// event loop step. Its slices are shared between readers and must not be
// modified.
type View struct {
	Self       models.User
	Active     models.ConversationKey
	Timeline   []models.Message
	Roster     models.RosterSnapshot
	Connection ConnState
	LastError  error
}

// outboundFrame is the client-to-server message frame.
type outboundFrame struct {
	Type        string             `json:"type"`
	Text        string             `json:"text,omitempty"`
	Attachment  *models.Attachment `json:"attachment,omitempty"`
	RecipientID int64              `json:"recipient_id,omitempty"`
	GroupID     int64              `json:"group_id,omitempty"`
	ClientMsgID string             `json:"client_msg_id,omitempty"`
}

// Session is one signed-in user's live view of the chat. All store and
// roster mutations run on the goroutine started by Run, so inbound frames,
// user sends, history loads and rollbacks are applied one at a time in
// arrival order.
type Session struct {
	conn   Connection
	api    API
	cfg    SessionConfig
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	store    *Store
	roster   *Roster
	notifier *Notifier
	limiter  *rate.Limiter

	inbound chan []byte
	ops     chan loopOp
	kick    chan string
	done    chan struct{}
	unsubs  []func()

	// Owned by the event loop.
	ctx       context.Context
	active    models.ConversationKey
	loadGen   uint64
	connState ConnState
	lastErr   error

	view      atomic.Pointer[View]
	listeners handlers[func(*View)]
}

// NewSession subscribes to conn and returns a Session. Frames are buffered
// until Run starts.
func NewSession(conn Connection, api API, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	limit := rate.Inf
	if cfg.RefreshInterval > 0 {
		limit = rate.Every(cfg.RefreshInterval)
	}

	s := &Session{
		conn:      conn,
		api:       api,
		cfg:       cfg,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
		store:     NewStore(cfg.Self.ID),
		roster:    NewRoster(),
		limiter:   rate.NewLimiter(limit, 1),
		inbound:   make(chan []byte, inboundBuffer),
		ops:       make(chan loopOp, opsBuffer),
		kick:      make(chan string, 1),
		done:      make(chan struct{}),
		connState: conn.State(),
	}

	s.notifier = NewNotifier(s.store, s.roster, s, logger)

	s.unsubs = []func(){
		conn.OnMessage(s.enqueue),
		conn.OnConnect(s.connected),
		conn.OnStateChange(s.stateChanged),
	}

	s.publish()

	return s
}

// Run processes events until ctx is cancelled. It must be called exactly
// once. On return the Session unsubscribes from the connection and every
// pending or later call fails with ErrSessionClosed.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx

	defer func() {
		for _, unsub := range s.unsubs {
			unsub()
		}

		close(s.done)
	}()

	go s.refreshLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-s.inbound:
			s.handleFrame(data)
			s.publish()
		case op := <-s.ops:
			op.fn()
			s.publish()

			if op.done != nil {
				close(op.done)
			}
		}
	}
}

// Send sends text to the active conversation. The message appears in the
// timeline as a provisional entry before Send returns. It fails with
// ErrNotConnected, and leaves no entry behind, when the socket is down.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	return s.send(ctx, models.ConversationKey{}, strings.TrimSpace(text), nil)
}

// SendTo sends text to key without changing the active conversation.
func (s *Session) SendTo(ctx context.Context, key models.ConversationKey, text string) (models.Message, error) {
	if key.IsZero() {
		return models.Message{}, chaterrors.ErrNoConversation
	}

	return s.send(ctx, key, strings.TrimSpace(text), nil)
}

// SendFile uploads r as an attachment to the active conversation, then
// announces it on the socket.
func (s *Session) SendFile(ctx context.Context, name string, r io.Reader) (models.Message, error) {
	key, err := s.activeKey(ctx)
	if err != nil {
		return models.Message{}, err
	}

	if key.IsZero() {
		return models.Message{}, chaterrors.ErrNoConversation
	}

	uploaded, err := s.api.UploadAttachment(ctx, key, name, r)
	if err != nil {
		return models.Message{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	if uploaded.Attachment == nil {
		return models.Message{}, fmt.Errorf("uploading %s: %w", name, chaterrors.ErrAPIResponse)
	}

	return s.send(ctx, key, "", uploaded.Attachment)
}

func (s *Session) send(ctx context.Context, key models.ConversationKey, text string, att *models.Attachment) (models.Message, error) {
	if text == "" && att == nil {
		return models.Message{}, chaterrors.ErrEmptyMessage
	}

	var (
		m       models.Message
		loopCtx context.Context
	)

	err := s.do(ctx, func() {
		if key.IsZero() {
			key = s.active
		}

		if key.IsZero() {
			return
		}

		m = s.store.InsertProvisional(s.outbound(key, text, att))
		loopCtx = s.ctx
	})
	if err != nil {
		return models.Message{}, err
	}

	if key.IsZero() {
		return models.Message{}, chaterrors.ErrNoConversation
	}

	if err := ctx.Err(); err != nil {
		_ = s.do(context.WithoutCancel(ctx), func() { s.rollback(m.ID) })
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	frame := outboundFrame{
		Type:        frameMessage,
		Text:        text,
		Attachment:  att,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		ClientMsgID: m.ClientMsgID,
	}

	if err := s.conn.Send(ctx, frame); err != nil {
		result := "error"
		if errors.Is(err, chaterrors.ErrNotConnected) {
			result = "not_connected"
		}

		metrics.MessagesSent.WithLabelValues(result).Inc()

		_ = s.do(context.WithoutCancel(ctx), func() { s.rollback(m.ID) })

		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	metrics.MessagesSent.WithLabelValues("ok").Inc()

	if att == nil {
		go s.persist(loopCtx, key, m.ID, text)
	}

	return m, nil
}

// outbound builds the provisional entry for a message from the signed-in
// user.
func (s *Session) outbound(key models.ConversationKey, text string, att *models.Attachment) models.Message {
	m := models.Message{
		SenderID:    s.cfg.Self.ID,
		Text:        text,
		Attachment:  att,
		Timestamp:   s.now().UTC(),
		ClientMsgID: s.newID(),
	}

	if key.Kind == models.KindGroup {
		m.GroupID = key.ID
	} else {
		m.RecipientID = key.ID
	}

	return m
}

// persist performs the durable write that races the socket send. A
// failure removes the provisional entry unless the echo already promoted
// it.
func (s *Session) persist(ctx context.Context, key models.ConversationKey, id models.MessageID, text string) {
	if _, err := s.api.SendMessage(ctx, key, text); err != nil {
		if ctx.Err() != nil {
			return
		}

		err = fmt.Errorf("%w: %w", chaterrors.ErrDurableWrite, err)
		s.logger.Warn("durable write failed",
			slog.String("conversation", key.String()),
			slog.Int64("provisional_id", int64(id)),
			slog.String("error", err.Error()),
		)

		s.post(func() { s.rollback(id) })
	}
}

func (s *Session) rollback(id models.MessageID) {
	if s.store.RemoveProvisional(id) {
		metrics.ReconcileOutcomes.WithLabelValues("rolled_back").Inc()
	}
}

// SetActive switches the active conversation and loads its history. The
// zero key clears the selection.
func (s *Session) SetActive(ctx context.Context, key models.ConversationKey) error {
	return s.do(ctx, func() {
		if key == s.active {
			return
		}

		s.active = key

		if s.cfg.OnActiveChange != nil {
			s.cfg.OnActiveChange(key)
		}

		s.startLoad(key)
	})
}

// Reload re-fetches the history of the active conversation.
func (s *Session) Reload(ctx context.Context) error {
	return s.do(ctx, func() { s.startLoad(s.active) })
}

// startLoad fetches history for key in the background. Any load started
// earlier becomes stale and its result is dropped.
func (s *Session) startLoad(key models.ConversationKey) {
	s.loadGen++

	if key.IsZero() {
		return
	}

	gen := s.loadGen
	mark := s.store.Mark()
	ctx := s.ctx

	go func() {
		msgs, err := s.api.GetMessages(ctx, key, s.cfg.HistoryLimit, 0)
		s.post(func() { s.historyLoaded(gen, mark, key, msgs, err) })
	}()
}

func (s *Session) historyLoaded(gen, mark uint64, key models.ConversationKey, msgs []models.Message, err error) {
	if gen != s.loadGen {
		s.logger.Debug("dropping stale history load", slog.String("conversation", key.String()))
		return
	}

	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("history load failed",
				slog.String("conversation", key.String()),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	s.store.ReplaceConversation(key, msgs, mark)

	s.logger.Debug("history loaded",
		slog.String("conversation", key.String()),
		slog.Int("messages", len(msgs)),
	)
}

// RequestRefresh asks for a roster reload. Requests made while one is
// pending are coalesced.
func (s *Session) RequestRefresh(reason string) {
	select {
	case s.kick <- reason:
	default:
	}
}

func (s *Session) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.kick:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}

			snap, err := s.api.LoadRoster(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				metrics.RosterRefreshes.WithLabelValues("error").Inc()
				s.logger.Warn("roster refresh failed",
					slog.String("reason", reason),
					slog.String("error", err.Error()),
				)

				continue
			}

			metrics.RosterRefreshes.WithLabelValues("ok").Inc()
			s.logger.Debug("roster refreshed",
				slog.String("reason", reason),
				slog.Int("users", len(snap.Users)),
				slog.Int("groups", len(snap.Groups)),
			)

			s.post(func() { s.roster.Replace(snap) })
		}
	}
}

func (s *Session) handleFrame(data []byte) {
	ev := Decode(data)
	metrics.FramesReceived.WithLabelValues(ev.Kind()).Inc()

	switch e := ev.(type) {
	case NewMessage:
		outcome := s.store.ApplyServerEvent(e.Message)
		metrics.ReconcileOutcomes.WithLabelValues(outcome.String()).Inc()

		s.logger.Debug("message applied",
			slog.Int64("id", int64(e.Message.ID)),
			slog.String("outcome", outcome.String()),
		)

	case Unrecognized:
		if e.Type == "error" {
			s.logger.Warn("server reported an error", slog.String("message", e.Reason))
			return
		}

		s.logger.Debug("dropping frame",
			slog.String("type", e.Type),
			slog.String("reason", e.Reason),
		)

	default:
		s.notifier.Handle(ev, s.active)
	}
}

// connected runs on the connection's goroutine after every successful
// open, including reconnects.
func (s *Session) connected() {
	s.post(func() {
		s.RequestRefresh("connected")

		if !s.active.IsZero() {
			s.startLoad(s.active)
		}
	})
}

func (s *Session) stateChanged(state ConnState, err error) {
	s.post(func() {
		s.connState = state

		switch {
		case err != nil:
			s.lastErr = err
		case state == StateOpen:
			s.lastErr = nil
		}
	})
}

func (s *Session) enqueue(data []byte) {
	select {
	case s.inbound <- data:
	case <-s.done:
	}
}

// do runs fn on the event loop and waits for it to finish. ctx only
// bounds the wait to enqueue: a queued fn always runs and do waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	select {
	case s.ops <- loopOp{fn: fn, done: finished}:
	case <-s.done:
		return chaterrors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return chaterrors.ErrSessionClosed
		}
	}
}

// loopOp is a unit of work for the event loop. done, when set, is closed
// once fn has run and the resulting View is published.
type loopOp struct {
	fn   func()
	done chan struct{}
}

// post queues fn on the event loop without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- loopOp{fn: fn}:
	case <-s.done:
	}
}

func (s *Session) activeKey(ctx context.Context) (models.ConversationKey, error) {
	var key models.ConversationKey
	err := s.do(ctx, func() { key = s.active })

	return key, err
}

func (s *Session) publish() {
	v := &View{
		Self:       s.cfg.Self,
		Active:     s.active,
		Timeline:   slices.Collect(Project(s.store.All(), s.store.Self(), s.active)),
		Roster:     s.roster.Snapshot(),
		Connection: s.connState,
		LastError:  s.lastErr,
	}

	s.view.Store(v)

	for _, fn := range s.listeners.snapshot() {
		fn(v)
	}
}

// OnChange registers fn to receive every published View. fn runs on the
// event loop and must not call back into the Session. The returned func
// unsubscribes.
func (s *Session) OnChange(fn func(*View)) func() {
	return s.listeners.add(fn)
}

// Snapshot returns the most recently published View.
func (s *Session) Snapshot() *View {
	return s.view.Load()
}

// Timeline returns the active conversation's messages in display order.
func (s *Session) Timeline() []models.Message {
	return s.Snapshot().Timeline
}

// Active returns the active conversation key.
func (s *Session) Active() models.ConversationKey {
	return s.Snapshot().Active
}

// Connected reports whether the last published connection state is open.
func (s *Session) Connected() bool {
	return s.Snapshot().Connection == StateOpen
}

// Presence returns the last known status of a roster user.
func (s *Session) Presence(userID int64) (models.PresenceStatus, bool) {
	for _, u := range s.Snapshot().Roster.Users {
		if u.ID == userID {
			return u.Status, true
		}
	}

	return "", false
}
