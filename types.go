package fablink

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the chat service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic chat API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Participants
// ============================================================================

// Role identifies which side of a conversation a party is on.
type Role string

const (
	RoleBuyer        Role = "buyer"
	RoleManufacturer Role = "manufacturer"
)

// ============================================================================
// Attachments
// ============================================================================

// MediaKind classifies an attachment for rendering.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Attachment is a fully uploaded file referenced by a message. An attachment
// only exists once its upload has completed; messages never carry
// partially-uploaded files.
type Attachment struct {
	URL          string    `json:"url"`
	Kind         MediaKind `json:"kind"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	DurationSec  int       `json:"durationSec,omitempty"`
	FileName     string    `json:"fileName"`
	Size         int64     `json:"size"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageState tags a message entry as locally created or server-confirmed.
type MessageState string

const (
	// StateOptimistic marks an entry created locally at send time, before any
	// server confirmation. It may remain optimistic forever if the confirming
	// event never arrives.
	StateOptimistic MessageState = "optimistic"
	// StateConfirmed marks an entry backed by server-assigned identity.
	// Terminal.
	StateConfirmed MessageState = "confirmed"
)

// Message is a single chat message. Identity is the server-assigned ID once
// confirmed; before that, ClientTempID (unique per send attempt) is the
// reconciliation key.
type Message struct {
	ID             string       `json:"id,omitempty"`
	ClientTempID   string       `json:"clientTempId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderRole     Role         `json:"senderRole"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Read           bool         `json:"read,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`

	State MessageState `json:"-"`
}

// Confirmed reports whether the message carries server-assigned identity.
func (m *Message) Confirmed() bool {
	return m.State == StateConfirmed
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a buyer↔manufacturer thread as the list surface sees it.
type Conversation struct {
	ID              string    `json:"id"`
	BuyerID         string    `json:"buyerId"`
	ManufacturerID  string    `json:"manufacturerId"`
	PeerDisplayName string    `json:"peerDisplayName"`
	LastMessageText string    `json:"lastMessageText,omitempty"`
	LastMessageAt   time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
}

// ============================================================================
// Request / response shapes
// ============================================================================

// SendMessageRequest is the wire shape for sending a message, identical for
// the realtime and REST fallback paths.
type SendMessageRequest struct {
	ConversationID string       `json:"conversationId"`
	Body           string       `json:"body"`
	ClientTempID   string       `json:"clientTempId"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// EnsureConversationRequest asks the service for the conversation between a
// buyer and a manufacturer, creating it if necessary.
type EnsureConversationRequest struct {
	BuyerID        string `json:"buyerId"`
	ManufacturerID string `json:"manufacturerId"`
}

// PageOptions bounds list fetches.
type PageOptions struct {
	Limit int
}
