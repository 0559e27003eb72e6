package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/dustin/go-humanize"
)

// renderTail is how many timeline entries are redrawn on change.
const renderTail = 20

var (
	errQuit   = errors.New("quit")
	errLogout = errors.New("logout")
)

const helpText = `commands:
  /open user <id>    open the direct conversation with a user
  /open group <id>   open a group conversation
  /who               list users and presence
  /history           reload the active conversation
  /logout            sign out and forget the cached session
  /quit              exit
anything else is sent to the active conversation`

// promptSession is the part of *chat.Session the prompt drives.
type promptSession interface {
	Snapshot() *chat.View
	SetActive(ctx context.Context, key models.ConversationKey) error
	Reload(ctx context.Context) error
	Send(ctx context.Context, text string) (models.Message, error)
	OnChange(fn func(*chat.View)) func()
}

// prompt is the line-oriented terminal front end.
type prompt struct {
	session promptSession
	in      io.Reader
	logger  *slog.Logger

	mu   sync.Mutex
	out  io.Writer
	last string
}

func newPrompt(session promptSession, in io.Reader, out io.Writer, logger *slog.Logger) *prompt {
	return &prompt{session: session, in: in, out: out, logger: logger}
}

// run reads commands until ctx is cancelled, stdin ends, or the user
// quits. It returns errQuit or errLogout when the user asks to stop.
func (p *prompt) run(ctx context.Context) error {
	unsubscribe := p.session.OnChange(p.render)
	defer unsubscribe()

	p.render(p.session.Snapshot())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				p.logger.Debug("stdin closed, prompt stopped")
				return nil
			}

			if err := p.handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

// handle executes one input line.
func (p *prompt) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		if _, err := p.session.Send(ctx, line); err != nil {
			p.printf("! not sent: %s\n", describe(err))
		}

		return nil
	}

	fields := strings.Fields(line)

	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/logout":
		return errLogout
	case "/who":
		p.printRoster(p.session.Snapshot())
	case "/history":
		if err := p.session.Reload(ctx); err != nil {
			p.printf("! %s\n", describe(err))
		}
	case "/open":
		key, err := parseOpenArgs(fields[1:])
		if err != nil {
			p.printf("! %v\n", err)
			return nil
		}

		if err := p.session.SetActive(ctx, key); err != nil {
			p.printf("! %s\n", describe(err))
		}
	default:
		p.printf("%s\n", helpText)
	}

	return nil
}

func parseOpenArgs(args []string) (models.ConversationKey, error) {
	if len(args) != 2 {
		return models.ConversationKey{}, fmt.Errorf("usage: /open user|group <id>")
	}

	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return models.ConversationKey{}, fmt.Errorf("invalid id %q", args[1])
	}

	switch args[0] {
	case "user":
		return models.Personal(id), nil
	case "group":
		return models.Group(id), nil
	default:
		return models.ConversationKey{}, fmt.Errorf("usage: /open user|group <id>")
	}
}

// describe turns session errors into short user-facing text.
func describe(err error) string {
	switch {
	case errors.Is(err, chaterrors.ErrNotConnected):
		return "not connected, try again once the connection is back"
	case errors.Is(err, chaterrors.ErrNoConversation):
		return "no conversation open, use /open"
	case errors.Is(err, chaterrors.ErrEmptyMessage):
		return "empty message"
	default:
		return err.Error()
	}
}

// fingerprint summarizes the parts of a view the prompt draws, so
// unrelated publishes do not redraw.
func fingerprint(v *chat.View) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s|%d|%d", v.Active, v.Connection, len(v.Timeline))

	for _, m := range v.Timeline[max(0, len(v.Timeline)-renderTail):] {
		fmt.Fprintf(&b, "|%d", m.ID)
	}

	return b.String()
}

// render redraws the tail of the active conversation when it changed.
// It runs on the session's event loop.
func (p *prompt) render(v *chat.View) {
	fp := fingerprint(v)

	p.mu.Lock()
	defer p.mu.Unlock()

	if fp == p.last {
		return
	}

	p.last = fp

	names := nameIndex(v)

	fmt.Fprintf(p.out, "\n== %s | %s ==\n", conversationTitle(v, names), v.Connection)

	if v.LastError != nil && v.Connection != chat.StateOpen {
		fmt.Fprintf(p.out, "!! %s\n", v.LastError)
	}

	for _, m := range v.Timeline[max(0, len(v.Timeline)-renderTail):] {
		fmt.Fprintln(p.out, formatMessage(m, names))
	}
}

func (p *prompt) printRoster(v *chat.View) {
	friends := make(map[int64]bool, len(v.Roster.FriendIDs))
	for _, id := range v.Roster.FriendIDs {
		friends[id] = true
	}

	var b strings.Builder

	b.WriteString("users:\n")

	for _, u := range v.Roster.Users {
		if u.ID == v.Self.ID {
			continue
		}

		status := u.Status
		if status == "" {
			status = models.StatusOffline
		}

		fmt.Fprintf(&b, "  %-20s id=%-5d %s", u.Name, u.ID, status)

		if friends[u.ID] {
			b.WriteString(" friend")
		}

		b.WriteString("\n")
	}

	if len(v.Roster.Groups) > 0 {
		b.WriteString("groups:\n")

		for _, g := range v.Roster.Groups {
			fmt.Fprintf(&b, "  %-20s id=%-5d %d members\n", g.Name, g.ID, len(g.Members))
		}
	}

	p.printf("%s", b.String())
}

func (p *prompt) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, format, args...)
}

func nameIndex(v *chat.View) map[int64]string {
	names := make(map[int64]string, len(v.Roster.Users)+1)
	for _, u := range v.Roster.Users {
		names[u.ID] = u.Name
	}

	names[v.Self.ID] = v.Self.Name

	return names
}

func conversationTitle(v *chat.View, names map[int64]string) string {
	switch v.Active.Kind {
	case models.KindPersonal:
		if name, ok := names[v.Active.ID]; ok {
			return name
		}
	case models.KindGroup:
		for _, g := range v.Roster.Groups {
			if g.ID == v.Active.ID {
				return "#" + g.Name
			}
		}
	default:
		return "no conversation"
	}

	return v.Active.String()
}

func formatMessage(m models.Message, names map[int64]string) string {
	ts := m.Timestamp.Local().Format("15:04")

	if m.System {
		return fmt.Sprintf("[%s] * %s", ts, m.Text)
	}

	name, ok := names[m.SenderID]
	if !ok || name == "" {
		name = "user " + strconv.FormatInt(m.SenderID, 10)
	}

	body := m.Text
	if a := m.Attachment; a != nil {
		file := fmt.Sprintf("[file %s, %s]", a.Name, humanize.Bytes(uint64(max(a.Size, 0))))
		if body == "" {
			body = file
		} else {
			body += " " + file
		}
	}

	line := fmt.Sprintf("[%s] %s: %s", ts, name, body)
	if m.ID.Provisional() {
		line += " (sending)"
	}

	return line
}
