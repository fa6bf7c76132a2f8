package chat

import "time"

// DeliveryState tracks a message's progress from optimistic insert to
// server confirmation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// MessageType distinguishes plain text from media-bearing messages.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageMedia MessageType = "media"
)

// Message is one entry in a room timeline. A pending message carries a
// ClientTempID minted locally; it has no meaning outside this session and is
// used to pair the optimistic entry with its server-confirmed counterpart.
type Message struct {
	ID           string        `json:"id"`
	ClientTempID string        `json:"client_temp_id,omitempty"`
	RoomID       string        `json:"room_id"`
	SenderID     string        `json:"sender_id"`
	SenderName   string        `json:"sender_name,omitempty"`
	Content      string        `json:"content"`
	MediaURL     string        `json:"media_url,omitempty"`
	Type         MessageType   `json:"type"`
	CreatedAt    time.Time     `json:"created_at"`
	Delivery     DeliveryState `json:"delivery"`
}

// PresenceEntry is one row of the online roster.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// TypingEntry is one user currently typing in a room. ExpiresAt is the soft
// deadline after which the entry disappears without an explicit stop event.
type TypingEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"-"`
}

// Profile is the decoration record returned by the profile lookup.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ConnectionState is the coarse link state surfaced to the UI layer.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)
