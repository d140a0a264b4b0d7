// Package connector owns the lifecycle of the single external messaging
// session: pairing, connection, loss, and reinitialization.
//
// The package depends only on the Client capability set, never on a concrete
// platform SDK. The production implementation drives WhatsApp Web through a
// headless browser (see package wweb); tests substitute an in-memory fake.
package connector

import (
	"context"
	"time"
)

// Media is a binary attachment to send (image, video, audio, document).
type Media struct {
	Kind     string `json:"kind"` // "image", "video", "audio", "file"
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data"`
	Caption  string `json:"caption,omitempty"`
}

// Location is a geographic point message.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

// ContactCard is a shared-contact message.
type ContactCard struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// ListMessage is an interactive list with selectable rows.
type ListMessage struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ButtonText  string   `json:"button_text"`
	Options     []string `json:"options"`
}

// Poll is a multiple-choice poll message.
type Poll struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multiple_answers,omitempty"`
}

// Conversation is a chat summary returned by the platform during sync.
type Conversation struct {
	ID           string    `json:"id"` // platform chat identity
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

// ChatMessage is an inbound or historical message envelope.
type ChatMessage struct {
	PlatformID string
	ChatID     string
	Sender     string
	Body       string
	Kind       string // "text", "image", ...
	FromMe     bool
	Timestamp  time.Time
}

// AckUpdate is a delivery milestone pushed by the platform for one message.
type AckUpdate struct {
	PlatformID string
	Code       int // platform ack code, see reconcile.StatusForAck
}

// StatusKind discriminates session status callbacks.
type StatusKind string

const (
	StatusQR           StatusKind = "qr"           // pairing code (re-)issued
	StatusReady        StatusKind = "ready"        // logged in, session live
	StatusDisconnected StatusKind = "disconnected" // remote logout, browser/server close
)

// StatusUpdate is a session lifecycle notification from the platform.
type StatusUpdate struct {
	Kind   StatusKind
	QR     string // base64 PNG data URL, set when Kind == StatusQR
	Reason string // human-readable cause, set when Kind == StatusDisconnected
}

// Client is the capability set the platform client must expose. Any
// implementation with these operations is substitutable; the connector
// core never depends on a concrete client.
//
// Send operations return the platform-assigned message id. Its serialized
// form is platform-specific and may embed direction and identity prefixes
// (see dispatch.ParsePlatformID).
type Client interface {
	// Initialize starts the platform session. Pairing progress and
	// eventual readiness are reported through OnSessionStatus, not the
	// return value — a nil error only means startup was accepted.
	Initialize(ctx context.Context) error

	SendText(ctx context.Context, to string, text string) (string, error)
	SendMedia(ctx context.Context, to string, m Media) (string, error)
	SendLocation(ctx context.Context, to string, loc Location) (string, error)
	SendContact(ctx context.Context, to string, c ContactCard) (string, error)
	SendList(ctx context.Context, to string, l ListMessage) (string, error)
	SendPoll(ctx context.Context, to string, p Poll) (string, error)

	// Conversations returns all chats known to the session.
	Conversations(ctx context.Context) ([]Conversation, error)
	// Messages returns up to count recent messages of one chat.
	Messages(ctx context.Context, chatID string, count int) ([]ChatMessage, error)
	// IdentityExists reports whether an identity is registered on the platform.
	IdentityExists(ctx context.Context, id string) (bool, error)
	// MessageAck returns the current ack code of a message by platform id.
	MessageAck(ctx context.Context, platformID string) (int, error)
	// Alive reports session liveness (heartbeat probe).
	Alive(ctx context.Context) (bool, error)

	// Callback registration. Each may be called at most once, before
	// Initialize. Callbacks run on the client's own goroutine and must
	// not block.
	OnIncomingMessage(fn func(ChatMessage))
	OnAck(fn func(AckUpdate))
	OnSessionStatus(fn func(StatusUpdate))

	// Close tears the session down. Idempotent.
	Close(ctx context.Context) error
}
