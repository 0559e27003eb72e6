// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageID identifies a message in the local timeline. Positive values are
// durable ids assigned by the server. Negative values are provisional ids
// generated locally for optimistic and synthetic entries. Zero is unset.
type MessageID int64

// Durable reports whether the id was assigned by the server.
func (id MessageID) Durable() bool { return id > 0 }

// Provisional reports whether the id was generated locally.
func (id MessageID) Provisional() bool { return id < 0 }

// Attachment describes a single file attached to a message. The JSON
// layout matches the attachment descriptor carried on the wire.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	IsImage  bool   `json:"isImage"`
}

// Message is one entry of a conversation timeline. Exactly one of
// RecipientID and GroupID is non-zero.
type Message struct {
	ID          MessageID   `json:"id"`
	SenderID    int64       `json:"sender_id"`
	RecipientID int64       `json:"recipient_id,omitempty"`
	GroupID     int64       `json:"group_id,omitempty"`
	Text        string      `json:"text,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`

	// System marks entries synthesized from side-channel events. They
	// never receive a durable counterpart.
	System bool `json:"system,omitempty"`

	// ClientMsgID is the correlation id sent with an outbound message.
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// ConversationKind tags a ConversationKey.
type ConversationKind int

const (
	// KindNone is the zero key: no conversation is active.
	KindNone ConversationKind = iota
	KindPersonal
	KindGroup
)

// ConversationKey identifies a conversation from the signed-in user's point
// of view: a direct conversation with another user, or a group.
type ConversationKey struct {
	Kind ConversationKind `json:"kind"`
	ID   int64            `json:"id"`
}

// Personal returns the key for the direct conversation with otherUserID.
func Personal(otherUserID int64) ConversationKey {
	return ConversationKey{Kind: KindPersonal, ID: otherUserID}
}

// Group returns the key for a group conversation.
func Group(groupID int64) ConversationKey {
	return ConversationKey{Kind: KindGroup, ID: groupID}
}

// IsZero reports whether no conversation is selected.
func (k ConversationKey) IsZero() bool {
	return k.Kind == KindNone
}

// ChatType returns the REST chat_type parameter for the key.
func (k ConversationKey) ChatType() string {
	switch k.Kind {
	case KindPersonal:
		return "personal"
	case KindGroup:
		return "group"
	default:
		return ""
	}
}

func (k ConversationKey) String() string {
	if k.IsZero() {
		return "none"
	}

	return k.ChatType() + ":" + strconv.FormatInt(k.ID, 10)
}

// ParseConversationKey parses the String form ("personal:7", "group:3").
// "none" and the empty string parse to the zero key.
func ParseConversationKey(s string) (ConversationKey, error) {
	if s == "" || s == "none" {
		return ConversationKey{}, nil
	}

	kind, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return ConversationKey{}, fmt.Errorf("invalid conversation id in %q", s)
	}

	switch kind {
	case "personal":
		return Personal(id), nil
	case "group":
		return Group(id), nil
	default:
		return ConversationKey{}, fmt.Errorf("unknown conversation kind %q", kind)
	}
}

// Contains reports whether m belongs to the conversation, as seen by the
// user self. Direct conversations match in both directions.
func (k ConversationKey) Contains(m Message, self int64) bool {
	switch k.Kind {
	case KindGroup:
		return m.GroupID == k.ID
	case KindPersonal:
		if m.GroupID != 0 {
			return false
		}

		return (m.SenderID == self && m.RecipientID == k.ID) ||
			(m.SenderID == k.ID && m.RecipientID == self)
	default:
		return false
	}
}

// KeyOf returns the conversation m belongs to, as seen by the user self.
func KeyOf(m Message, self int64) ConversationKey {
	if m.GroupID != 0 {
		return Group(m.GroupID)
	}

	if m.SenderID == self {
		return Personal(m.RecipientID)
	}

	return Personal(m.SenderID)
}

// PresenceStatus is a user's online state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// User is a chat account as returned by the backend.
type User struct {
	ID     int64          `json:"id"`
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Avatar string         `json:"avatar,omitempty"`
	Status PresenceStatus `json:"status"`
}

// GroupInfo is a group conversation and its membership.
type GroupInfo struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	CreatorID     int64   `json:"creator_id"`
	Members       []int64 `json:"members"`
	DeniedMembers []int64 `json:"denied_members"`
}

// RosterSnapshot is the full user, friend and group state loaded from the
// backend in one refresh.
type RosterSnapshot struct {
	Users     []User      `json:"users"`
	FriendIDs []int64     `json:"friend_ids"`
	Groups    []GroupInfo `json:"groups"`
}
