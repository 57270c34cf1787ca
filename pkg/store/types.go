package store

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleInbound  Role = "inbound"
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// DeliveryStatus tracks outbound delivery. It is the only mutable
// field of a persisted message.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Conversation is one thread with one identity. The durable copy is
// the source of truth for identity; the memory copy may run ahead by
// the unflushed mutations of the current process.
type Conversation struct {
	ID                string
	OwnerID           string
	NormalizedAddress string
	DisplayName       string
	LastMessageText   string
	LastMessageAt     time.Time
	UnreadCount       int
	IsOnline          bool
	ChannelSessionID  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is one turn in a conversation. Immutable after creation
// except for DeliveryStatus.
type Message struct {
	ID             string
	ConversationID string
	EventID        string
	Seq            int64
	Role           Role
	Content        string
	Media          map[string]string
	DeliveryStatus DeliveryStatus
	CreatedAt      time.Time
}

// Summary is the rolling compression of a conversation's older turns.
// CoveredThroughSeq only moves forward.
type Summary struct {
	ConversationID    string
	Text              string
	CoveredThroughSeq int64
	UpdatedAt         time.Time
}

// Document is one knowledge-base entry used for retrieval grounding.
type Document struct {
	ID        string
	KBID      string
	Title     string
	Content   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const DocumentActive = "active"
