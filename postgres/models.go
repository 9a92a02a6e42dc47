package postgres

import (
	"time"

	"github.com/matchu/matchchat/chat"
	"github.com/uptrace/bun"
)

// A conversation represents a conversation row in the database.
type conversation struct {
	bun.BaseModel `bun:"table:conversations"`

	ID                 string         `bun:",pk,type:uuid,default:gen_random_uuid()"`
	ParticipantIDs     []string       `bun:"participant_ids,array,notnull"`
	LastMessagePreview string         `bun:"last_message_preview,notnull"`
	LastUpdatedAt      *time.Time     `bun:"last_updated_at"`
	UnreadCounts       map[string]int `bun:"unread_counts,type:jsonb,notnull"`
	CreatedAt          time.Time      `bun:",nullzero,notnull,default:clock_timestamp()"`
}

// A message represents a message in the database.
type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID             string    `bun:",pk,type:uuid,default:gen_random_uuid()"`
	ConversationID string    `bun:"conversation_id,type:uuid,notnull"`
	Sender         string    `bun:",notnull"`
	Content        string    `bun:",notnull"`
	ImageURL       string    `bun:"image_url,notnull"`
	ClientID       string    `bun:"client_id,notnull"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:clock_timestamp()"`
}

type user struct {
	bun.BaseModel `bun:"table:users"`

	ID         string   `bun:",pk"`
	Name       string   `bun:",notnull"`
	AvatarURLs []string `bun:"avatar_urls,array,notnull"`
}

func (c conversation) ChatConversation() chat.Conversation {
	counts := c.UnreadCounts
	if counts == nil {
		counts = map[string]int{}
	}
	return chat.Conversation{
		ID:                 c.ID,
		ParticipantIDs:     c.ParticipantIDs,
		LastMessagePreview: c.LastMessagePreview,
		LastUpdatedAt:      c.LastUpdatedAt,
		UnreadCounts:       counts,
		CreatedAt:          c.CreatedAt,
	}
}

func (m message) ChatMessage() chat.Message {
	return chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		ImageURL:       m.ImageURL,
		ClientID:       m.ClientID,
		CreatedAt:      m.CreatedAt,
	}
}

func (u user) ChatProfile() chat.Profile {
	return chat.Profile{
		ID:         u.ID,
		Name:       u.Name,
		AvatarURLs: u.AvatarURLs,
	}
}
