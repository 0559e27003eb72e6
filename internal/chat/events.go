package chat

import (
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// Inbound frame type tags.
const (
	frameMessage      = "message"
	frameStatus       = "user_status_update"
	frameLogin        = "user_login"
	frameLogout       = "user_logout"
	frameSystem       = "system_message"
	frameFriendChange = "friend_change"
	frameGroupChange  = "group_change"
	frameNotification = "message_notification"
	frameUnrecognized = "unrecognized"
)

// Graph change actions carried by friend_change and group_change frames.
const (
	ActionAdded         = "added"
	ActionRemoved       = "removed"
	ActionCreated       = "created"
	ActionUpdated       = "updated"
	ActionDeleted       = "deleted"
	ActionMemberAdded   = "member_added"
	ActionMemberRemoved = "member_removed"
)

// Event is one decoded inbound frame. The set of implementations is closed:
// NewMessage, PresenceUpdate, LoginAnnouncement, LogoutAnnouncement,
// SystemAnnouncement, FriendGraphChanged, GroupGraphChanged,
// MessageNotification and Unrecognized.
type Event interface {
	// Kind returns the frame tag the event was decoded from, or
	// "unrecognized".
	Kind() string
	isEvent()
}

// NewMessage is a durable message broadcast by the server.
type NewMessage struct {
	Message models.Message
}

// PresenceUpdate reports a user's online state.
type PresenceUpdate struct {
	UserID   int64
	UserName string
	Status   models.PresenceStatus
}

// LoginAnnouncement reports that a user signed in.
type LoginAnnouncement struct {
	UserID   int64
	UserName string
	Text     string
}

// LogoutAnnouncement reports that a user signed out.
type LogoutAnnouncement struct {
	UserID   int64
	UserName string
	Text     string
}

// SystemAnnouncement is a server-authored line for a group conversation.
// GroupID is zero when the server did not name a group.
type SystemAnnouncement struct {
	GroupID   int64
	GroupName string
	Action    string
	UserID    int64
	UserName  string
	Text      string
	Timestamp time.Time
}

// FriendGraphChanged reports a friendship added or removed.
type FriendGraphChanged struct {
	Action   string
	UserID   int64
	FriendID int64
}

// MemberInfo names the user affected by a group membership change.
type MemberInfo struct {
	ID   int64
	Name string
}

// GroupGraphChanged reports a group created, updated, deleted, or a member
// added or removed. Member is nil when the server did not resolve the user.
type GroupGraphChanged struct {
	Action    string
	GroupID   int64
	GroupName string
	Member    *MemberInfo
}

// MessageNotification is an informational preview of a message elsewhere.
type MessageNotification struct {
	MessageID   models.MessageID
	SenderID    int64
	SenderName  string
	RecipientID int64
	GroupID     int64
	GroupName   string
	Text        string
}

// Unrecognized is any frame that did not match a known shape. Type holds
// the frame tag when one was present.
type Unrecognized struct {
	Type   string
	Reason string
}

func (NewMessage) Kind() string          { return frameMessage }
func (PresenceUpdate) Kind() string      { return frameStatus }
func (LoginAnnouncement) Kind() string   { return frameLogin }
func (LogoutAnnouncement) Kind() string  { return frameLogout }
func (SystemAnnouncement) Kind() string  { return frameSystem }
func (FriendGraphChanged) Kind() string  { return frameFriendChange }
func (GroupGraphChanged) Kind() string   { return frameGroupChange }
func (MessageNotification) Kind() string { return frameNotification }
func (Unrecognized) Kind() string        { return frameUnrecognized }

func (NewMessage) isEvent()          {}
func (PresenceUpdate) isEvent()      {}
func (LoginAnnouncement) isEvent()   {}
func (LogoutAnnouncement) isEvent()  {}
func (SystemAnnouncement) isEvent()  {}
func (FriendGraphChanged) isEvent()  {}
func (GroupGraphChanged) isEvent()   {}
func (MessageNotification) isEvent() {}
func (Unrecognized) isEvent()        {}

// Decode maps a raw inbound frame to an Event. It never fails: anything
// that does not match a known shape becomes Unrecognized. Keys are read in
// snake_case with a camelCase fallback.
func Decode(data []byte) Event {
	if !gjson.ValidBytes(data) {
		return Unrecognized{Reason: "invalid json"}
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Unrecognized{Reason: "not an object"}
	}

	typ := root.Get("type").String()

	switch typ {
	case frameMessage:
		m, ok := parseMessage(root)
		if !ok {
			return Unrecognized{Type: typ, Reason: "malformed message"}
		}

		return NewMessage{Message: m}

	case frameStatus:
		userID := field(root, "user_id", "userId").Int()
		if userID <= 0 {
			return Unrecognized{Type: typ, Reason: "missing user id"}
		}

		status := models.StatusOffline
		if strings.EqualFold(root.Get("status").String(), string(models.StatusOnline)) {
			status = models.StatusOnline
		}

		return PresenceUpdate{
			UserID:   userID,
			UserName: field(root, "user_name", "userName").String(),
			Status:   status,
		}

	case frameLogin, frameLogout:
		userID := field(root, "user_id", "userId").Int()
		if userID <= 0 {
			return Unrecognized{Type: typ, Reason: "missing user id"}
		}

		name := field(root, "user_name", "userName").String()
		text := root.Get("message").String()

		if typ == frameLogin {
			return LoginAnnouncement{UserID: userID, UserName: name, Text: text}
		}

		return LogoutAnnouncement{UserID: userID, UserName: name, Text: text}

	case frameSystem:
		// Without a group the announcement still triggers a refresh.
		groupID := max(field(root, "group_id", "groupId").Int(), 0)

		return SystemAnnouncement{
			GroupID:   groupID,
			GroupName: field(root, "group_name", "groupName").String(),
			Action:    root.Get("action").String(),
			UserID:    field(root, "user_id", "userId").Int(),
			UserName:  field(root, "user_name", "userName").String(),
			Text:      root.Get("text").String(),
			Timestamp: parseTimestamp(root.Get("timestamp")),
		}

	case frameFriendChange:
		action := root.Get("action").String()
		if action == "" {
			return Unrecognized{Type: typ, Reason: "missing action"}
		}

		return FriendGraphChanged{
			Action:   action,
			UserID:   field(root, "user_id", "userId").Int(),
			FriendID: field(root, "friend_id", "friendId").Int(),
		}

	case frameGroupChange:
		action := root.Get("action").String()
		groupID := field(root, "group_id", "groupId").Int()

		if action == "" || groupID <= 0 {
			return Unrecognized{Type: typ, Reason: "missing action or group id"}
		}

		ev := GroupGraphChanged{
			Action:    action,
			GroupID:   groupID,
			GroupName: field(root, "group_name", "groupName").String(),
		}

		if info := field(root, "user_info", "userInfo"); info.IsObject() {
			ev.Member = &MemberInfo{
				ID:   info.Get("id").Int(),
				Name: info.Get("name").String(),
			}
		} else if uid := root.Get("data.user_id").Int(); uid > 0 {
			ev.Member = &MemberInfo{ID: uid}
		}

		return ev

	case frameNotification:
		return MessageNotification{
			MessageID:   models.MessageID(field(root, "message_id", "messageId").Int()),
			SenderID:    field(root, "sender_id", "senderId").Int(),
			SenderName:  field(root, "sender_name", "senderName").String(),
			RecipientID: field(root, "recipient_id", "recipientId").Int(),
			GroupID:     field(root, "group_id", "groupId").Int(),
			GroupName:   field(root, "group_name", "groupName").String(),
			Text:        root.Get("text").String(),
		}

	case "error":
		return Unrecognized{Type: typ, Reason: root.Get("message").String()}

	case "connected", "pong":
		return Unrecognized{Type: typ, Reason: "protocol frame"}

	case "":
		return Unrecognized{Reason: "missing type"}

	default:
		return Unrecognized{Type: typ, Reason: "unknown type"}
	}
}

// parseMessage reads a message object as sent on the socket or returned by
// the history endpoint. A message needs a durable id, a sender and exactly
// one of recipient or group.
func parseMessage(r gjson.Result) (models.Message, bool) {
	m := models.Message{
		ID:          models.MessageID(r.Get("id").Int()),
		SenderID:    field(r, "sender_id", "senderId").Int(),
		RecipientID: field(r, "recipient_id", "recipientId").Int(),
		GroupID:     field(r, "group_id", "groupId").Int(),
		Text:        r.Get("text").String(),
		Timestamp:   parseTimestamp(r.Get("timestamp")),
		ClientMsgID: field(r, "client_msg_id", "clientMsgId").String(),
	}

	if !m.ID.Durable() || m.SenderID <= 0 {
		return models.Message{}, false
	}

	if (m.RecipientID > 0) == (m.GroupID > 0) {
		return models.Message{}, false
	}

	if a := r.Get("attachment"); a.IsObject() {
		att := &models.Attachment{
			Name:     a.Get("name").String(),
			URL:      a.Get("url").String(),
			MimeType: field(a, "mime_type", "mimeType").String(),
			Size:     a.Get("size").Int(),
			IsImage:  field(a, "is_image", "isImage").Bool(),
		}

		if att.URL != "" || att.Name != "" {
			m.Attachment = att
		}
	}

	return m, true
}

// field returns the first of the given keys present on r.
func field(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}

	return gjson.Result{}
}

// Zone-less timestamps are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO-8601 strings with or without a zone and unix
// milliseconds. A missing or unparseable value becomes the current time.
func parseTimestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.String:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, r.Str); err == nil {
				return t.UTC()
			}
		}
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	}

	return time.Now().UTC()
}
