package wavechat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp decodes the ISO-8601 values the services emit, with or
// without a zone offset. Zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and the service's zone-less isoformat,
// with a T or a space separator, and returns the instant in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ============================================================================
// Directory and identity
// ============================================================================

// User is an account as the directory reports it. IsOnline and LastSeen
// are not persisted with the session.
type User struct {
	ID        int64      `json:"id" toml:"id"`
	Username  string     `json:"username" toml:"username"`
	Email     string     `json:"email,omitempty" toml:"email"`
	AvatarURL string     `json:"avatar_url,omitempty" toml:"avatar_url"`
	IsOnline  bool       `json:"is_online" toml:"-"`
	LastSeen  *Timestamp `json:"last_seen,omitempty" toml:"-"`
}

// ChatSummary is one row of a user's conversation list.
type ChatSummary struct {
	ID            int64     `json:"id"`
	CreatedAt     Timestamp `json:"created_at"`
	OtherUserID   int64     `json:"other_user_id"`
	OtherUsername string    `json:"other_username"`
	OtherAvatar   string    `json:"other_avatar,omitempty"`
	OtherIsOnline bool      `json:"other_is_online"`
	LastMessage   *string   `json:"last_message,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// Message is an entry of a conversation log. Exactly one of Content and
// ImageURL is set. ID and CreatedAt are assigned by the remote log.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"chat_id"`
	SenderID       int64     `json:"sender_id"`
	Content        *string   `json:"content"`
	ImageURL       *string   `json:"image_url"`
	CreatedAt      Timestamp `json:"created_at"`
	SenderName     string    `json:"username,omitempty"`
	SenderAvatar   string    `json:"avatar_url,omitempty"`

	// Set on optimistic echoes only; never part of the remote log.
	TempID  string `json:"-"`
	Pending bool   `json:"-"`
}

// Text returns the text payload, or "" for attachment messages.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Image returns the attachment URL, or "" for text messages.
func (m Message) Image() string {
	if m.ImageURL == nil {
		return ""
	}
	return *m.ImageURL
}

func (m Message) IsImage() bool {
	return m.Image() != ""
}

// Validate reports whether exactly one payload is present.
func (m Message) Validate() error {
	return checkPayload(m.Content, m.ImageURL)
}

func checkPayload(content, imageURL *string) error {
	hasText := content != nil && *content != ""
	hasImage := imageURL != nil && *imageURL != ""
	if hasText == hasImage {
		return invalid(ErrInvalidPayload)
	}
	return nil
}

// before is the timeline ordering: (CreatedAt, ID) ascending.
func (m Message) before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt.Time) {
		return m.CreatedAt.Before(o.CreatedAt.Time)
	}
	return m.ID < o.ID
}

// AppendRequest is the payload of a send_message call.
type AppendRequest struct {
	ConversationID int64
	SenderID       int64
	Content        *string
	ImageURL       *string
}

func (r AppendRequest) validate() error {
	if r.ConversationID <= 0 || r.SenderID <= 0 {
		return invalid(ErrInvalidTarget)
	}
	return checkPayload(r.Content, r.ImageURL)
}

// ============================================================================
// Envelope
// ============================================================================

// Result is the generic response envelope shared by all services.
type Result struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Messages []Message     `json:"messages,omitempty"`
	Message  *Message      `json:"message,omitempty"`
	Chats    []ChatSummary `json:"chats,omitempty"`
	ChatID   int64         `json:"chat_id,omitempty"`
	Users    []User        `json:"users,omitempty"`
	User     *User         `json:"user,omitempty"`
}

func (r *Result) user(op string) (*User, error) {
	if r.User == nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("response has no user")}
	}
	return r.User, nil
}
