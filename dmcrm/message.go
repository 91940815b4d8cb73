package dmcrm

import (
	"log/slog"
	"time"
)

var (
	columnMessageRemoteID = "remote_message_id"
	columnMessagePeerID   = "peer_id"
)

// MessageDirection indicates whether a message was sent by the managed
// account, or received from a peer.
type MessageDirection string

const (
	DirectionSent     MessageDirection = "sent"
	DirectionReceived MessageDirection = "received"
)

// Message is a persisted direct message, in either direction, for one
// managed account. Rows are never mutated after creation, and are only
// removed by cascading Account deletion.
//
// (account_id, remote_message_id) is unique when the remote ID is
// present - that pair is the dedupe key for at-least-once delivery from
// the live gateway stream and history backfill.
//
//nolint:lll // struct tags can't be split
type Message struct {
	ModelUintID

	// AccountID is the managed account this message belongs to
	AccountID string `json:"account_id" gorm:"column:account_id;type:string;not null;uniqueIndex:idx_messages_account_remote"`

	// RemoteMessageID is the Discord-assigned message ID. Nullable for
	// legacy rows; NULLs don't collide in the unique index.
	RemoteMessageID *string `json:"remote_message_id" gorm:"column:remote_message_id;type:string;uniqueIndex:idx_messages_account_remote"`

	// PeerID is the other party's Discord user ID
	PeerID string `json:"peer_id" gorm:"column:peer_id;type:string;not null;index"`

	// PeerDisplayName is the peer's display name at the time the
	// message was recorded
	PeerDisplayName string `json:"peer_display_name" gorm:"column:peer_display_name;type:string"`

	// PeerAvatarURL is the peer's avatar at the time the message was recorded
	PeerAvatarURL string `json:"peer_avatar_url" gorm:"column:peer_avatar_url;type:string"`

	// Direction is 'sent' or 'received', relative to the managed account
	Direction MessageDirection `json:"direction" gorm:"type:string;not null"`

	// Content is the message text
	Content string `json:"content" gorm:"type:string"`

	// Timestamp is the message creation instant, in Unix milliseconds
	Timestamp int64 `json:"timestamp" gorm:"index"`

	ModelUnixTime
}

func (m Message) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("account_id", m.AccountID),
		slog.String(columnMessagePeerID, m.PeerID),
		slog.String("direction", string(m.Direction)),
		slog.Int64("timestamp", m.Timestamp),
	}
	if m.RemoteMessageID != nil {
		attrs = append(
			attrs,
			slog.String(columnMessageRemoteID, *m.RemoteMessageID),
		)
	}
	return slog.GroupValue(attrs...)
}

// MessageEvent is the canonical form of a raw inbound or outbound
// message, produced at the parsing boundary (session event pump, history
// importer, or the manager's send path) and consumed by the recorder.
type MessageEvent struct {
	// AccountID is the managed account whose session observed the event
	AccountID string

	// SelfID is the session's resolved self-identity ID, used to
	// classify direction
	SelfID string

	// AuthorID is the Discord user ID of the message author
	AuthorID string

	// RemoteMessageID is the Discord-assigned message ID. Empty for
	// provisional/legacy events, which are excluded from dedupe.
	RemoteMessageID string

	// PeerID identifies the other party in the conversation
	PeerID string

	PeerDisplayName string
	PeerAvatarURL   string

	Content   string
	Timestamp time.Time
}

// Direction classifies the event relative to the owning account: events
// authored by the session's own identity are 'sent', all others
// 'received'.
func (e MessageEvent) Direction() MessageDirection {
	if e.AuthorID == e.SelfID {
		return DirectionSent
	}
	return DirectionReceived
}

// Record converts the event into its persisted form.
func (e MessageEvent) Record() Message {
	m := Message{
		AccountID:       e.AccountID,
		PeerID:          e.PeerID,
		PeerDisplayName: e.PeerDisplayName,
		PeerAvatarURL:   e.PeerAvatarURL,
		Direction:       e.Direction(),
		Content:         e.Content,
		Timestamp:       e.Timestamp.UTC().UnixMilli(),
	}
	if e.RemoteMessageID != "" {
		remoteID := e.RemoteMessageID
		m.RemoteMessageID = &remoteID
	}
	return m
}

// Conversation is a derived view: the latest message for one peer,
// plus a total count. Computed by query, never cached.
type Conversation struct {
	AccountID       string  `json:"account_id"`
	PeerID          string  `json:"peer_id"`
	PeerDisplayName string  `json:"peer_display_name"`
	PeerAvatarURL   string  `json:"peer_avatar_url"`
	LastMessage     Message `json:"last_message"`
	MessageCount    int64   `json:"message_count"`
}
