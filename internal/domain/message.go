package domain

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeUnknown  MessageType = "unknown"
)

// MessageStatus is the lifecycle state of a stored message.
// Inbound: pending -> processing -> processed | failed | ignored_*.
// Outbound rows are written once as sent or failed.
type MessageStatus string

const (
	StatusPending        MessageStatus = "pending"
	StatusProcessing     MessageStatus = "processing"
	StatusProcessed      MessageStatus = "processed"
	StatusFailed         MessageStatus = "failed"
	StatusSent           MessageStatus = "sent"
	StatusIgnoredNoAgent MessageStatus = "ignored_no_agent"
	StatusIgnoredMedia   MessageStatus = "ignored_media"
)

// Ignored reports whether the status is one of the ignored_* markers.
func (s MessageStatus) Ignored() bool {
	return strings.HasPrefix(string(s), "ignored_")
}

// Terminal reports whether no further transition is allowed.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusPending, StatusProcessing:
		return false
	}
	return s != ""
}

// Message is one stored chat message, inbound or outbound.
type Message struct {
	ID           int64
	TenantID     string
	InstanceID   string
	RemoteID     string
	ExternalID   string // empty for outbound rows
	Direction    Direction
	Type         MessageType
	Content      string
	MediaURL     string
	PushName     string
	Status       MessageStatus
	ErrorMessage string
	AgentID      string
	Provider     string
	Model        string
	Endpoint     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConversationKey identifies a conversation: one remote party on one instance.
func (m *Message) ConversationKey() string {
	return ConversationKey(m.InstanceID, m.RemoteID)
}

func ConversationKey(instanceID, remoteID string) string {
	return instanceID + ":" + remoteID
}
