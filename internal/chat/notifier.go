package chat

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Refresher reloads the roster from the backend. Requests may be coalesced.
type Refresher interface {
	RequestRefresh(reason string)
}

// Notifier routes side-channel events to the presence cache, the store,
// or a roster refresh. It runs on the Session event loop.
type Notifier struct {
	store   *Store
	roster  *Roster
	refresh Refresher
	logger  *slog.Logger
	now     func() time.Time
}

// NewNotifier creates a Notifier over the given store and roster.
func NewNotifier(store *Store, roster *Roster, refresh Refresher, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:   store,
		roster:  roster,
		refresh: refresh,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle applies one event given the active conversation. It reports
// whether the store or the presence cache changed. NewMessage and
// Unrecognized are not side-channel events and are ignored.
func (n *Notifier) Handle(ev Event, active models.ConversationKey) bool {
	switch e := ev.(type) {
	case PresenceUpdate:
		return n.setStatus(e.UserID, e.Status)

	case LoginAnnouncement:
		return n.setStatus(e.UserID, models.StatusOnline)

	case LogoutAnnouncement:
		return n.setStatus(e.UserID, models.StatusOffline)

	case SystemAnnouncement:
		changed := false

		if e.GroupID > 0 && active == models.Group(e.GroupID) {
			text := e.Text
			if text == "" {
				text = memberText(e.Action, e.UserName)
			}

			ts := e.Timestamp
			if ts.IsZero() {
				ts = n.now().UTC()
			}

			n.store.AppendSystem(models.Message{
				SenderID:  e.UserID,
				GroupID:   e.GroupID,
				Text:      text,
				Timestamp: ts,
			})

			changed = true
		}

		n.refresh.RequestRefresh(e.Kind())

		return changed

	case FriendGraphChanged:
		switch e.Action {
		case ActionAdded, ActionRemoved:
			n.refresh.RequestRefresh(e.Kind() + ":" + e.Action)
		default:
			n.logger.Debug("ignoring friend change", slog.String("action", e.Action))
		}

		return false

	case GroupGraphChanged:
		return n.groupChanged(e, active)

	case MessageNotification:
		metrics.MessageNotifications.Inc()
		n.logger.Debug("message notification",
			slog.Int64("message_id", int64(e.MessageID)),
			slog.Int64("sender_id", e.SenderID),
			slog.String("sender", e.SenderName),
		)

		return false

	default:
		return false
	}
}

func (n *Notifier) setStatus(userID int64, status models.PresenceStatus) bool {
	if !n.roster.SetStatus(userID, status) {
		n.logger.Debug("presence for unknown user dropped",
			slog.Int64("user_id", userID),
			slog.String("status", string(status)),
		)

		return false
	}

	return true
}

func (n *Notifier) groupChanged(e GroupGraphChanged, active models.ConversationKey) bool {
	switch e.Action {
	case ActionCreated, ActionUpdated, ActionDeleted:
		n.refresh.RequestRefresh(e.Kind() + ":" + e.Action)
		return false

	case ActionMemberAdded, ActionMemberRemoved:
		n.refresh.RequestRefresh(e.Kind() + ":" + e.Action)

		if active != models.Group(e.GroupID) {
			return false
		}

		msg := models.Message{
			GroupID:   e.GroupID,
			Timestamp: n.now().UTC(),
		}

		name := ""
		if e.Member != nil {
			msg.SenderID = e.Member.ID
			name = e.Member.Name
		}

		if name == "" && msg.SenderID != 0 {
			if u, ok := n.roster.User(msg.SenderID); ok {
				name = u.Name
			}
		}

		msg.Text = memberText(e.Action, name)
		n.store.AppendSystem(msg)

		return true

	default:
		n.logger.Debug("ignoring group change",
			slog.String("action", e.Action),
			slog.Int64("group_id", e.GroupID),
		)

		return false
	}
}

func memberText(action, name string) string {
	if name == "" {
		name = "A member"
	}

	if action == ActionMemberRemoved {
		return name + " left the group"
	}

	return name + " joined the group"
}
