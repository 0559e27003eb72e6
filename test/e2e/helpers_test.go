package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse"
	testSession  = "sess-e2e"
	testAPIKey   = "cs_e2e-test-key"

	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	alice = models.User{ID: 1, Name: "Alice", Email: testEmail, Status: models.StatusOnline}
	bob   = models.User{ID: 2, Name: "Bob", Email: "bob@example.com", Status: models.StatusOffline}
	carol = models.User{ID: 3, Name: "Carol", Email: "carol@example.com", Status: models.StatusOnline}
	team  = models.GroupInfo{ID: 9, Name: "team", CreatorID: 1, Members: []int64{1, 2}}
)

// messageFrame is the server-to-client message frame.
type messageFrame struct {
	Type string `json:"type"`
	models.Message
}

// backend is an in-process stand-in for the chat server: REST endpoints
// under /api and the duplex channel at /ws/chat, authenticated by the
// session_id cookie.
type backend struct {
	srv *httptest.Server

	mu          sync.Mutex
	history     []models.Message
	nextID      int64
	restWrites  []string
	rosterLoads int
	failWrites  bool
	noEcho      bool
	sockets     map[*websocket.Conn]struct{}
	inbound     []map[string]any
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{
		nextID:  100,
		sockets: make(map[*websocket.Conn]struct{}),
		history: []models.Message{
			{ID: 1, SenderID: bob.ID, RecipientID: alice.ID, Text: "hey alice", Timestamp: time.Now().Add(-time.Hour).UTC()},
			{ID: 2, SenderID: bob.ID, GroupID: team.ID, Text: "standup at 10", Timestamp: time.Now().Add(-time.Hour).UTC()},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", b.handleLogin)
	mux.HandleFunc("GET /api/auth/me", b.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, alice)
	}))
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "", Path: "/", MaxAge: -1})
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
	})
	mux.HandleFunc("GET /api/users", b.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []models.User{alice, bob, carol})
	}))
	mux.HandleFunc("GET /api/friends", b.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []models.User{bob})
	}))
	mux.HandleFunc("GET /api/groups", b.authed(func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		b.rosterLoads++
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, []models.GroupInfo{team})
	}))
	mux.HandleFunc("GET /api/messages", b.authed(b.handleHistory))
	mux.HandleFunc("POST /api/messages", b.authed(b.handleDurableWrite))
	mux.HandleFunc("POST /api/messages/upload", b.authed(b.handleUpload))
	mux.HandleFunc("GET /ws/chat", b.handleSocket)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session_id")
		if err != nil || c.Value != testSession {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		h(w, r)
	}
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email != testEmail || req.Password != testPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid email or password"})
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "session_id", Value: testSession, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"user": alice, "session_id": testSession})
}

func (b *backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, _ := strconv.ParseInt(q.Get("target_id"), 10, 64)

	key := models.Personal(target)
	if q.Get("chat_type") == "group" {
		key = models.Group(target)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := []models.Message{}
	for _, m := range b.history {
		if key.Contains(m, alice.ID) {
			out = append(out, m)
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (b *backend) handleDurableWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string `json:"text"`
		RecipientID int64  `json:"recipient_id"`
		GroupID     int64  `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "bad body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failWrites {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "database unavailable"})
		return
	}

	b.restWrites = append(b.restWrites, req.Text)
	b.nextID++

	writeJSON(w, http.StatusOK, models.Message{
		ID:          models.MessageID(b.nextID),
		SenderID:    alice.ID,
		RecipientID: req.RecipientID,
		GroupID:     req.GroupID,
		Text:        req.Text,
		Timestamp:   time.Now().UTC(),
	})
}

func (b *backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "file required"})
		return
	}
	defer file.Close()

	data, _ := io.ReadAll(file)
	recipient, _ := strconv.ParseInt(r.URL.Query().Get("recipient_id"), 10, 64)
	group, _ := strconv.ParseInt(r.URL.Query().Get("group_id"), 10, 64)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, models.Message{
		ID:          models.MessageID(id),
		SenderID:    alice.ID,
		RecipientID: recipient,
		GroupID:     group,
		Timestamp:   time.Now().UTC(),
		Attachment: &models.Attachment{
			Name:     header.Filename,
			URL:      "/uploads/" + header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Size:     int64(len(data)),
		},
	})
}

// handleSocket stores and broadcasts every outbound message frame, echoing
// it to the sender like the real server does.
func (b *backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie("session_id")
	if err != nil || c.Value != testSession {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.sockets[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sockets, conn)
		b.mu.Unlock()
		conn.CloseNow()
	}()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame map[string]any
		if json.Unmarshal(data, &frame) != nil {
			continue
		}

		b.mu.Lock()
		b.inbound = append(b.inbound, frame)
		b.mu.Unlock()

		if frame["type"] != "message" || b.echoDisabled() {
			continue
		}

		var out struct {
			Text        string             `json:"text"`
			RecipientID int64              `json:"recipient_id"`
			GroupID     int64              `json:"group_id"`
			Attachment  *models.Attachment `json:"attachment"`
		}
		_ = json.Unmarshal(data, &out)

		b.mu.Lock()
		b.nextID++
		m := models.Message{
			ID:          models.MessageID(b.nextID),
			SenderID:    alice.ID,
			RecipientID: out.RecipientID,
			GroupID:     out.GroupID,
			Text:        out.Text,
			Attachment:  out.Attachment,
			Timestamp:   time.Now().UTC(),
		}
		b.history = append(b.history, m)
		b.mu.Unlock()

		b.broadcast(messageFrame{Type: "message", Message: m})
	}
}

// broadcast writes v to every open socket.
func (b *backend) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.sockets))
	for c := range b.sockets {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// deliver appends m to the server history and pushes it to clients.
func (b *backend) deliver(m models.Message) {
	b.mu.Lock()
	b.history = append(b.history, m)
	b.mu.Unlock()

	b.broadcast(messageFrame{Type: "message", Message: m})
}

// drop closes every socket from the server side.
func (b *backend) drop() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.sockets))
	for c := range b.sockets {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restarting")
	}
}

func (b *backend) echoDisabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.noEcho
}

// breakWrites makes the durable write endpoint fail and stops echoing
// socket messages.
func (b *backend) breakWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites = true
	b.noEcho = true
}

func (b *backend) openSockets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets)
}

func (b *backend) roster() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rosterLoads
}

func (b *backend) writes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.restWrites...)
}

func (b *backend) sentFrames() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.inbound...)
}

func (b *backend) apiURL() string { return b.srv.URL + "/api" }

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/chat"
}

// stack is a signed-in client wired the way cmd/chat-sync wires it.
type stack struct {
	client  *chat.Client
	conn    *chat.ConnManager
	session *chat.Session
}

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func (b *backend) signIn(t *testing.T) *stack {
	t.Helper()

	logger := quiet()

	client := chat.NewClient(b.apiURL(), b.srv.Client())
	self, err := client.Login(t.Context(), testEmail, testPassword)
	require.NoError(t, err)

	conn := chat.NewConnManager(chat.ConnConfig{
		URL:                  b.wsURL(),
		Header:               client.SessionHeader(),
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   20 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, logger)

	session := chat.NewSession(conn, client, chat.SessionConfig{
		Self:            self,
		HistoryLimit:    50,
		RefreshInterval: 10 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()

	require.NoError(t, conn.Connect(ctx))

	t.Cleanup(func() {
		_ = conn.Disconnect()
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return session.Connected() && len(session.Snapshot().Roster.Users) == 3
	}, waitFor, tick)

	return &stack{client: client, conn: conn, session: session}
}

// open makes key active and waits for its history.
func (s *stack) open(t *testing.T, key models.ConversationKey, wantHistory int) {
	t.Helper()

	require.NoError(t, s.session.SetActive(t.Context(), key))
	require.Eventually(t, func() bool {
		return len(s.session.Timeline()) == wantHistory
	}, waitFor, tick)
}

// mcpSession serves the chat tools for s behind API-key auth and returns
// a connected MCP client session.
func (s *stack) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, s.session)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys: auth.KeyHashes{"e2e": string(hash)},
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Logger: quiet(),
	}))
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint: ts.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: testAPIKey,
				base:  ts.Client().Transport,
			},
		},
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text of the first content block.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}
