package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// sessionCookie is the cookie the backend uses to identify a login.
	sessionCookie = "session_id"

	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client. Uploads
	// share it, so it is generous.
	httpClientTimeout = 60 * time.Second

	// maxAPIResponseBytes caps response body reads. History pages are the
	// largest payloads.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Client talks to the chat backend REST API. It keeps the session cookie
// issued by Login and presents it on every request and on the websocket
// handshake.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu        sync.RWMutex
	sessionID string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the session cookie never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL (for example
// http://localhost:8000/api). If httpClient is nil, a client with a
// timeout and same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SessionID returns the current session cookie value, or "".
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sessionID
}

// SetSession installs a cached session cookie value.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// SessionHeader returns the headers that authenticate a websocket
// handshake for the current session.
func (c *Client) SessionHeader() http.Header {
	h := http.Header{}

	if id := c.SessionID(); id != "" {
		h.Set("Cookie", (&http.Cookie{Name: sessionCookie, Value: id}).String())
	}

	return h
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// errorDetail extracts the message of an error response. The backend
// returns {"detail": "..."} or, for validation failures, a list of
// {"msg": "..."} objects.
func errorDetail(body []byte) string {
	detail := gjson.GetBytes(body, "detail")

	switch {
	case detail.Type == gjson.String:
		return sanitizeResponseBody([]byte(detail.Str))
	case detail.IsArray():
		var msgs []string
		for _, d := range detail.Array() {
			if m := d.Get("msg").String(); m != "" {
				msgs = append(msgs, m)
			}
		}

		if len(msgs) > 0 {
			return sanitizeResponseBody([]byte(strings.Join(msgs, "; ")))
		}
	}

	if m := gjson.GetBytes(body, "message"); m.Type == gjson.String {
		return sanitizeResponseBody([]byte(m.Str))
	}

	return sanitizeResponseBody(body)
}

// do sends a request and returns the response body of a 2xx reply. A
// session_id cookie on any response replaces the stored session.
func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("Accept", "application/json")

	if id := c.SessionID(); id != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: id})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", chaterrors.ErrAPIRequest, endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			if ck.MaxAge < 0 {
				c.SetSession("")
			} else {
				c.SetSession(ck.Value)
			}
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sentinel := chaterrors.ErrAPIRequest
		if resp.StatusCode == http.StatusUnauthorized {
			sentinel = chaterrors.ErrSessionExpired
		}

		err := fmt.Errorf("%w: %s %s (%d): %s", sentinel, method, endpoint, resp.StatusCode, errorDetail(respBody))
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return respBody, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, result any) error {
	body, err := c.do(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return err
	}

	return decodeInto(endpoint, body, result)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	return c.do(ctx, http.MethodPost, endpoint, "application/json", bytes.NewReader(data))
}

func decodeInto(endpoint string, body []byte, result any) error {
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// Login signs in and stores the session cookie.
func (c *Client) Login(ctx context.Context, email, password string) (models.User, error) {
	body, err := c.postJSON(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		if errors.Is(err, chaterrors.ErrSessionExpired) {
			return models.User{}, fmt.Errorf("signing in: %w", chaterrors.ErrInvalidCredentials)
		}

		return models.User{}, fmt.Errorf("signing in: %w", err)
	}

	var resp struct {
		User      models.User `json:"user"`
		SessionID string      `json:"session_id"`
	}

	if err := decodeInto("/auth/login", body, &resp); err != nil {
		return models.User{}, fmt.Errorf("signing in: %w", err)
	}

	if resp.SessionID != "" {
		c.SetSession(resp.SessionID)
	}

	if c.SessionID() == "" || resp.User.ID <= 0 {
		return models.User{}, fmt.Errorf("signing in: %w: no session issued", chaterrors.ErrAPIResponse)
	}

	return resp.User, nil
}

// Me returns the user owning the current session. It fails with
// ErrSessionExpired when the cookie is no longer valid.
func (c *Client) Me(ctx context.Context) (models.User, error) {
	var u models.User
	if err := c.getJSON(ctx, "/auth/me", &u); err != nil {
		return models.User{}, fmt.Errorf("fetching current user: %w", err)
	}

	return u, nil
}

// Logout ends the session on the server and forgets the cookie.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", "", nil)

	c.SetSession("")

	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// LoadRoster fetches users, friends and groups concurrently.
func (c *Client) LoadRoster(ctx context.Context) (models.RosterSnapshot, error) {
	var (
		users   []models.User
		friends []models.User
		groups  []models.GroupInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.getJSON(gctx, "/users", &users) })
	g.Go(func() error { return c.getJSON(gctx, "/friends", &friends) })
	g.Go(func() error { return c.getJSON(gctx, "/groups", &groups) })

	if err := g.Wait(); err != nil {
		return models.RosterSnapshot{}, fmt.Errorf("loading roster: %w", err)
	}

	snap := models.RosterSnapshot{Users: users, Groups: groups}
	for _, f := range friends {
		snap.FriendIDs = append(snap.FriendIDs, f.ID)
	}

	return snap, nil
}

// GetMessages returns one page of history for key. Malformed entries are
// skipped.
func (c *Client) GetMessages(ctx context.Context, key models.ConversationKey, limit, offset int) ([]models.Message, error) {
	if key.IsZero() {
		return nil, chaterrors.ErrNoConversation
	}

	q := url.Values{}
	q.Set("chat_type", key.ChatType())
	q.Set("target_id", strconv.FormatInt(key.ID, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	body, err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", key, err)
	}

	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("loading history for %s: %w: expected a list", key, chaterrors.ErrAPIResponse)
	}

	var msgs []models.Message

	root.ForEach(func(_, v gjson.Result) bool {
		if m, ok := parseMessage(v); ok {
			msgs = append(msgs, m)
		}

		return true
	})

	return msgs, nil
}

// SendMessage stores a text message durably.
func (c *Client) SendMessage(ctx context.Context, key models.ConversationKey, text string) (models.Message, error) {
	payload := map[string]any{"text": text}

	switch key.Kind {
	case models.KindPersonal:
		payload["recipient_id"] = key.ID
	case models.KindGroup:
		payload["group_id"] = key.ID
	default:
		return models.Message{}, chaterrors.ErrNoConversation
	}

	body, err := c.postJSON(ctx, "/messages", payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("storing message: %w", err)
	}

	m, ok := parseMessage(gjson.ParseBytes(body))
	if !ok {
		return models.Message{}, fmt.Errorf("storing message: %w", chaterrors.ErrAPIResponse)
	}

	return m, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadAttachment uploads r as a file message to key and returns the
// stored message with its attachment descriptor.
func (c *Client) UploadAttachment(ctx context.Context, key models.ConversationKey, name string, r io.Reader) (models.Message, error) {
	target := url.Values{}

	switch key.Kind {
	case models.KindPersonal:
		target.Set("recipient_id", strconv.FormatInt(key.ID, 10))
	case models.KindGroup:
		target.Set("group_id", strconv.FormatInt(key.ID, 10))
	default:
		return models.Message{}, chaterrors.ErrNoConversation
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filepath.Base(name))))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return models.Message{}, fmt.Errorf("creating upload part: %w", err)
	}

	if _, err := io.Copy(part, r); err != nil {
		return models.Message{}, fmt.Errorf("reading %s: %w", name, err)
	}

	for k := range target {
		if err := mw.WriteField(k, target.Get(k)); err != nil {
			return models.Message{}, fmt.Errorf("writing form field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return models.Message{}, fmt.Errorf("finishing upload body: %w", err)
	}

	// The backend reads the target from the query string; the form
	// fields are kept for servers that read them from the body.
	body, err := c.do(ctx, http.MethodPost, "/messages/upload?"+target.Encode(), mw.FormDataContentType(), &buf)
	if err != nil {
		return models.Message{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	m, ok := parseMessage(gjson.ParseBytes(body))
	if !ok || m.Attachment == nil {
		return models.Message{}, fmt.Errorf("uploading %s: %w", name, chaterrors.ErrAPIResponse)
	}

	return m, nil
}
