package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ImagePreview is the conversation preview written for image messages.
const ImagePreview = "[Image]"

// maxPreviewRunes bounds the length of a text preview.
const maxPreviewRunes = 120

// A Conversation is the durable record pairing two matched users. It carries
// the summary fields rendered by conversation lists.
type Conversation struct {
	ID                 string         `json:"id"`
	ParticipantIDs     []string       `json:"participant_ids"`
	LastMessagePreview string         `json:"last_message_preview"`
	LastUpdatedAt      *time.Time     `json:"last_updated_at"`
	UnreadCounts       map[string]int `json:"unread_counts"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Other returns the participant that is not userID. The second return value
// is false when userID does not take part in the conversation.
func (c Conversation) Other(userID string) (string, bool) {
	if len(c.ParticipantIDs) != 2 {
		return "", false
	}
	switch userID {
	case c.ParticipantIDs[0]:
		return c.ParticipantIDs[1], true
	case c.ParticipantIDs[1]:
		return c.ParticipantIDs[0], true
	}
	return "", false
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	_, ok := c.Other(userID)
	return ok
}

// Unread returns the unread counter of userID. An absent entry counts as zero.
func (c Conversation) Unread(userID string) int {
	return c.UnreadCounts[userID]
}

// A Message is a single entry of a conversation log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Pending is set on optimistic entries that the store has not confirmed.
	Pending bool `json:"pending,omitempty"`
	// Failed is set on optimistic entries whose write was rejected.
	Failed bool `json:"failed,omitempty"`
}

// Kind returns "image", "text" or "" for messages with nothing to render.
func (m Message) Kind() string {
	switch {
	case m.ImageURL != "":
		return "image"
	case m.Content != "":
		return "text"
	}
	return ""
}

// Preview returns the conversation preview for the message.
func (m Message) Preview() string {
	if m.ImageURL != "" {
		return ImagePreview
	}
	return previewText(m.Content)
}

func previewText(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxPreviewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxPreviewRunes]) + "…"
}

// A Profile is the public identity of a user, owned by the profile store.
type Profile struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	AvatarURLs []string `json:"avatar_urls"`
}

const (
	defaultName   = "Anonymous"
	defaultAvatar = "/default-avatar.png"
)

// A Partner is the other participant of a conversation as shown in a list.
type Partner struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Online    bool   `json:"online"`
	// Missing is set when the profile could not be resolved.
	Missing bool `json:"missing,omitempty"`
}

func partnerFromProfile(id string, p Profile) Partner {
	out := Partner{ID: id, Name: p.Name, AvatarURL: defaultAvatar}
	if out.Name == "" {
		out.Name = defaultName
	}
	if len(p.AvatarURLs) > 0 && p.AvatarURLs[0] != "" {
		out.AvatarURL = p.AvatarURLs[0]
	}
	return out
}

// A ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID                 string     `json:"id"`
	Partner            Partner    `json:"partner"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastUpdatedAt      *time.Time `json:"last_updated_at"`
	CreatedAt          time.Time  `json:"created_at"`
	Unread             int        `json:"unread"`
}

// A Snapshot is the rendered state of a message log at one point in time.
type Snapshot struct {
	ConversationID string
	Messages       []Message
	// Loaded is set once the bulk fetch has completed successfully.
	Loaded bool
	Err    error
}

// A ConversationsSnapshot is the rendered state of a conversation list.
type ConversationsSnapshot struct {
	Conversations []ConversationSummary
	Err           error
}

// EventOp identifies the kind of change carried by a feed event.
type EventOp string

// Feed event kinds.
const (
	OpAdded   EventOp = "added"
	OpRemoved EventOp = "removed"
	OpChanged EventOp = "changed"
)

// A MessageEvent is an incremental change of a conversation log. Removed
// events only carry the message id and conversation id.
type MessageEvent struct {
	Op      EventOp
	Message Message
}

// A ConversationEvent reports that a conversation of the subscribed user was
// created or its summary changed.
type ConversationEvent struct {
	Op             EventOp
	ConversationID string
}
