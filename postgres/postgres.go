// Package postgres stores conversations, messages and profiles in PostgreSQL
// and turns row changes into chat feed events with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matchu/matchchat/chat"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

//go:embed schema.sql
var schema string

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun    *bun.DB
	logger *slog.Logger

	mu            sync.Mutex
	ln            *pgdriver.Listener
	stop          context.CancelFunc
	messages      topic[chat.MessageEvent]
	conversations topic[chat.ConversationEvent]
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string, logger *slog.Logger) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun:    db,
		logger: logger,
	}, nil
}

// Migrate creates the tables and notification triggers if they do not exist.
func (pg *Postgres) Migrate(ctx context.Context) error {
	if _, err := pg.bun.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close stops the change listener and closes the connection pool.
func (pg *Postgres) Close() error {
	pg.mu.Lock()
	if pg.ln != nil {
		pg.stop()
		_ = pg.ln.Close()
		pg.ln = nil
	}
	pg.mu.Unlock()
	return pg.bun.Close()
}

// notFound reports whether err means the addressed row does not exist. Ids
// that are not valid uuids cannot exist either.
func notFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Field('C') {
		case "22P02", "23503":
			return true
		}
	}
	return false
}

// Conversation returns the conversation with the given id.
func (pg *Postgres) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	var c conversation
	err := pg.bun.NewSelect().Model(&c).Where("id = ?", id).Scan(ctx)
	if notFound(err) {
		return chat.Conversation{}, fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("scan: %w", err)
	}
	return c.ChatConversation(), nil
}

// ListConversations returns the conversations of userID, most recently
// updated first. Conversations without an update timestamp come last.
func (pg *Postgres) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	var convs []conversation
	err := pg.bun.NewSelect().
		Model(&convs).
		Where("? = ANY(participant_ids)", userID).
		OrderExpr("last_updated_at DESC NULLS LAST, created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.ChatConversation()
	}
	return out, nil
}

// CreateConversation creates the conversation of a matched pair. An existing
// conversation of the same pair is returned unchanged.
func (pg *Postgres) CreateConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	if a == "" || b == "" || a == b {
		return chat.Conversation{}, chat.ErrInvalidConversation
	}
	if c, err := pg.conversationOf(ctx, a, b); err == nil {
		return c, nil
	} else if !errors.Is(err, chat.ErrNotFound) {
		return chat.Conversation{}, err
	}

	c := &conversation{
		ParticipantIDs: []string{a, b},
		UnreadCounts:   map[string]int{},
	}
	res, err := pg.bun.NewInsert().
		Model(c).
		Value("last_updated_at", "clock_timestamp()").
		On("CONFLICT DO NOTHING").
		Returning("*").
		Exec(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race against a concurrent create of the same pair.
		return pg.conversationOf(ctx, a, b)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pg.conversationOf(ctx, a, b)
	}
	return c.ChatConversation(), nil
}

func (pg *Postgres) conversationOf(ctx context.Context, a, b string) (chat.Conversation, error) {
	var c conversation
	err := pg.bun.NewSelect().
		Model(&c).
		Where("? = ANY(participant_ids)", a).
		Where("? = ANY(participant_ids)", b).
		Limit(1).
		Scan(ctx)
	if notFound(err) {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("scan: %w", err)
	}
	return c.ChatConversation(), nil
}

// ListMessages returns the log of a conversation, oldest first.
func (pg *Postgres) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	exists, err := pg.bun.NewSelect().
		Model((*conversation)(nil)).
		Where("id = ?", conversationID).
		Exists(ctx)
	if notFound(err) || (err == nil && !exists) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("exists: %w", err)
	}

	var msgs []message
	err = pg.bun.NewSelect().
		Model(&msgs).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ChatMessage()
	}
	return out, nil
}

// MessageByID returns a single message.
func (pg *Postgres) MessageByID(ctx context.Context, id string) (chat.Message, error) {
	var m message
	err := pg.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if notFound(err) {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("scan: %w", err)
	}
	return m.ChatMessage(), nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id and server timestamp.
func (pg *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	m := &message{
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		ImageURL:       msg.ImageURL,
		ClientID:       msg.ClientID,
	}
	_, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx)
	if notFound(err) {
		return chat.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert: %w", err)
	}
	return m.ChatMessage(), nil
}

// DeleteMessage removes a message from its conversation log.
func (pg *Postgres) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	res, err := pg.bun.NewDelete().
		Model((*message)(nil)).
		Where("conversation_id = ?", conversationID).
		Where("id = ?", messageID).
		Exec(ctx)
	if notFound(err) {
		return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	return nil
}

// ApplySend sets the preview and timestamp of a conversation and increments
// the unread counter of the recipient in one statement.
func (pg *Postgres) ApplySend(ctx context.Context, conversationID, recipientID, preview string) error {
	q := pg.bun.NewUpdate().
		Model((*conversation)(nil)).
		Set("last_message_preview = ?", preview).
		Set("last_updated_at = clock_timestamp()").
		Set("unread_counts = jsonb_set(unread_counts, ARRAY[?]::text[], to_jsonb(COALESCE((unread_counts->>?)::int, 0) + 1))", recipientID, recipientID).
		Where("id = ?", conversationID)
	return pg.updateConversation(ctx, conversationID, q)
}

// ResetUnread zeroes the unread counter of userID.
func (pg *Postgres) ResetUnread(ctx context.Context, conversationID, userID string) error {
	q := pg.bun.NewUpdate().
		Model((*conversation)(nil)).
		Set("unread_counts = jsonb_set(unread_counts, ARRAY[?]::text[], '0'::jsonb)", userID).
		Where("id = ?", conversationID)
	return pg.updateConversation(ctx, conversationID, q)
}

// SetTail rewrites the preview and timestamp of a conversation.
func (pg *Postgres) SetTail(ctx context.Context, conversationID, preview string, at *time.Time) error {
	q := pg.bun.NewUpdate().
		Model((*conversation)(nil)).
		Set("last_message_preview = ?", preview).
		Set("last_updated_at = ?", at).
		Where("id = ?", conversationID)
	return pg.updateConversation(ctx, conversationID, q)
}

func (pg *Postgres) updateConversation(ctx context.Context, id string, q *bun.UpdateQuery) error {
	res, err := q.Exec(ctx)
	if notFound(err) {
		return fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	return nil
}

// Profile returns the profile of userID.
func (pg *Postgres) Profile(ctx context.Context, userID string) (chat.Profile, error) {
	var u user
	err := pg.bun.NewSelect().Model(&u).Where("id = ?", userID).Scan(ctx)
	if notFound(err) {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Profile{}, fmt.Errorf("scan: %w", err)
	}
	return u.ChatProfile(), nil
}

// PutProfile inserts or replaces a user profile.
func (pg *Postgres) PutProfile(ctx context.Context, p chat.Profile) error {
	u := &user{ID: p.ID, Name: p.Name, AvatarURLs: p.AvatarURLs}
	if u.AvatarURLs == nil {
		u.AvatarURLs = []string{}
	}
	_, err := pg.bun.NewInsert().
		Model(u).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("avatar_urls = EXCLUDED.avatar_urls").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
