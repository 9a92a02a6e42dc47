package chat

import (
	"context"
	"time"
)

// A Store provides the durable conversation and message records.
type Store interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns the conversations userID takes part in.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// ListMessages returns the log of a conversation ordered by creation time
	// ascending.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// InsertMessage persists a message. The returned message holds the
	// server assigned id and timestamp.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
}

// A SummaryStore applies the denormalised summary updates of a conversation.
// Each method is a single atomic write.
type SummaryStore interface {
	// ApplySend sets the preview, stamps the server time and increments the
	// recipient's unread counter.
	ApplySend(ctx context.Context, conversationID, recipientID, preview string) error
	ResetUnread(ctx context.Context, conversationID, userID string) error
	// SetTail rewrites the preview and timestamp. A nil at clears the
	// timestamp.
	SetTail(ctx context.Context, conversationID, preview string, at *time.Time) error
}

// A Feed delivers incremental changes of the durable store. The returned
// channels are closed once ctx is done.
type Feed interface {
	MessageEvents(ctx context.Context, conversationID string) (<-chan MessageEvent, error)
	ConversationEvents(ctx context.Context, userID string) (<-chan ConversationEvent, error)
}

// A ProfileStore resolves user profiles.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// A BlobStore stores uploaded images and returns a fetchable URL.
type BlobStore interface {
	UploadImage(ctx context.Context, userID string, data []byte) (string, error)
}

// A PresenceReader watches the presence flag of a user. The channel yields
// the current value first and is closed once ctx is done.
type PresenceReader interface {
	Watch(ctx context.Context, userID string) (<-chan bool, error)
}

// A PresenceStore is the ephemeral keyspace holding presence flags.
type PresenceStore interface {
	PresenceReader
	// Ping reports whether the store connection is established.
	Ping(ctx context.Context) error
	// SetOnline publishes the presence key of userID for the given session
	// token. The key is removed by the store once ttl lapses without a
	// further SetOnline.
	SetOnline(ctx context.Context, userID, token string, ttl time.Duration) error
	// Retract deletes the presence key if it still belongs to token.
	Retract(ctx context.Context, userID, token string) error
	Online(ctx context.Context, userID string) (bool, error)
}
