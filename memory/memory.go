// Package memory provides an in-process implementation of the chat storage
// ports. It backs tests and the single-process development mode.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matchu/matchchat/chat"
)

// DB holds conversations, messages and profiles in memory and publishes
// their changes like the PostgreSQL change feed does.
type DB struct {
	// Now is the server clock. It defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	last     time.Time
	convs    map[string]chat.Conversation
	msgs     map[string][]chat.Message
	profiles map[string]chat.Profile
	msgSubs  map[string]map[*subscriber[chat.MessageEvent]]struct{}
	convSubs map[string]map[*subscriber[chat.ConversationEvent]]struct{}
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		convs:    make(map[string]chat.Conversation),
		msgs:     make(map[string][]chat.Message),
		profiles: make(map[string]chat.Profile),
		msgSubs:  make(map[string]map[*subscriber[chat.MessageEvent]]struct{}),
		convSubs: make(map[string]map[*subscriber[chat.ConversationEvent]]struct{}),
	}
}

// stampLocked returns a server timestamp strictly after every earlier one.
func (db *DB) stampLocked() time.Time {
	now := time.Now
	if db.Now != nil {
		now = db.Now
	}
	t := now().UTC().Truncate(time.Microsecond)
	if !t.After(db.last) {
		t = db.last.Add(time.Microsecond)
	}
	db.last = t
	return t
}

// PutProfile stores a user profile.
func (db *DB) PutProfile(_ context.Context, p chat.Profile) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	p.AvatarURLs = slices.Clone(p.AvatarURLs)
	db.profiles[p.ID] = p
	return nil
}

// Profile returns the profile of userID.
func (db *DB) Profile(_ context.Context, userID string) (chat.Profile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[userID]
	if !ok {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, chat.ErrNotFound)
	}
	p.AvatarURLs = slices.Clone(p.AvatarURLs)
	return p, nil
}

// CreateConversation creates the conversation of a matched pair. An existing
// conversation of the same pair is returned unchanged.
func (db *DB) CreateConversation(_ context.Context, a, b string) (chat.Conversation, error) {
	if a == "" || b == "" || a == b {
		return chat.Conversation{}, chat.ErrInvalidConversation
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, c := range db.convs {
		if c.HasParticipant(a) && c.HasParticipant(b) {
			return copyConversation(c), nil
		}
	}
	now := db.stampLocked()
	c := chat.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: []string{a, b},
		LastUpdatedAt:  &now,
		UnreadCounts:   map[string]int{},
		CreatedAt:      now,
	}
	db.convs[c.ID] = c
	db.notifyConversationLocked(c, chat.OpAdded)
	return copyConversation(c), nil
}

// Conversation returns the conversation with the given id.
func (db *DB) Conversation(_ context.Context, id string) (chat.Conversation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.convs[id]
	if !ok {
		return chat.Conversation{}, fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	return copyConversation(c), nil
}

// ListConversations returns the conversations of userID, most recently
// updated first.
func (db *DB) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []chat.Conversation
	for _, c := range db.convs {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}
	slices.SortFunc(out, func(a, b chat.Conversation) int {
		switch {
		case a.LastUpdatedAt != nil && b.LastUpdatedAt == nil:
			return -1
		case a.LastUpdatedAt == nil && b.LastUpdatedAt != nil:
			return 1
		case a.LastUpdatedAt != nil:
			if c := b.LastUpdatedAt.Compare(*a.LastUpdatedAt); c != 0 {
				return c
			}
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// ListMessages returns the log of a conversation, oldest first.
func (db *DB) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.convs[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return slices.Clone(db.msgs[conversationID]), nil
}

// InsertMessage appends a message with a fresh id and server timestamp.
func (db *DB) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.convs[msg.ConversationID]; !ok {
		return chat.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, chat.ErrNotFound)
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = db.stampLocked()
	msg.Pending, msg.Failed = false, false
	db.msgs[msg.ConversationID] = append(db.msgs[msg.ConversationID], msg)
	for s := range db.msgSubs[msg.ConversationID] {
		s.push(chat.MessageEvent{Op: chat.OpAdded, Message: msg})
	}
	return msg, nil
}

// DeleteMessage removes a message from its conversation log.
func (db *DB) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	entries := db.msgs[conversationID]
	i := slices.IndexFunc(entries, func(m chat.Message) bool { return m.ID == messageID })
	if i < 0 {
		return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	removed := entries[i]
	db.msgs[conversationID] = slices.Delete(slices.Clone(entries), i, i+1)
	for s := range db.msgSubs[conversationID] {
		s.push(chat.MessageEvent{Op: chat.OpRemoved, Message: chat.Message{ID: removed.ID, ConversationID: conversationID}})
	}
	return nil
}

// ApplySend implements chat.SummaryStore.
func (db *DB) ApplySend(_ context.Context, conversationID, recipientID, preview string) error {
	return db.update(conversationID, func(c *chat.Conversation, now time.Time) {
		c.LastMessagePreview = preview
		c.LastUpdatedAt = &now
		c.UnreadCounts[recipientID]++
	})
}

// ResetUnread implements chat.SummaryStore.
func (db *DB) ResetUnread(_ context.Context, conversationID, userID string) error {
	return db.update(conversationID, func(c *chat.Conversation, _ time.Time) {
		c.UnreadCounts[userID] = 0
	})
}

// SetTail implements chat.SummaryStore.
func (db *DB) SetTail(_ context.Context, conversationID, preview string, at *time.Time) error {
	return db.update(conversationID, func(c *chat.Conversation, _ time.Time) {
		c.LastMessagePreview = preview
		if at == nil {
			c.LastUpdatedAt = nil
			return
		}
		t := *at
		c.LastUpdatedAt = &t
	})
}

func (db *DB) update(id string, fn func(c *chat.Conversation, now time.Time)) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	c = copyConversation(c)
	fn(&c, db.stampLocked())
	db.convs[id] = c
	db.notifyConversationLocked(c, chat.OpChanged)
	return nil
}

func (db *DB) notifyConversationLocked(c chat.Conversation, op chat.EventOp) {
	for _, userID := range c.ParticipantIDs {
		for s := range db.convSubs[userID] {
			s.push(chat.ConversationEvent{Op: op, ConversationID: c.ID})
		}
	}
}

// MessageEvents implements chat.Feed.
func (db *DB) MessageEvents(ctx context.Context, conversationID string) (<-chan chat.MessageEvent, error) {
	s := newSubscriber[chat.MessageEvent]()
	db.mu.Lock()
	if db.msgSubs[conversationID] == nil {
		db.msgSubs[conversationID] = make(map[*subscriber[chat.MessageEvent]]struct{})
	}
	db.msgSubs[conversationID][s] = struct{}{}
	db.mu.Unlock()

	go func() {
		s.pump(ctx)
		db.mu.Lock()
		delete(db.msgSubs[conversationID], s)
		db.mu.Unlock()
	}()
	return s.out, nil
}

// ConversationEvents implements chat.Feed.
func (db *DB) ConversationEvents(ctx context.Context, userID string) (<-chan chat.ConversationEvent, error) {
	s := newSubscriber[chat.ConversationEvent]()
	db.mu.Lock()
	if db.convSubs[userID] == nil {
		db.convSubs[userID] = make(map[*subscriber[chat.ConversationEvent]]struct{})
	}
	db.convSubs[userID][s] = struct{}{}
	db.mu.Unlock()

	go func() {
		s.pump(ctx)
		db.mu.Lock()
		delete(db.convSubs[userID], s)
		db.mu.Unlock()
	}()
	return s.out, nil
}

// Subscribers returns the number of live message and conversation feed
// subscriptions.
func (db *DB) Subscribers() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, m := range db.msgSubs {
		n += len(m)
	}
	for _, m := range db.convSubs {
		n += len(m)
	}
	return n
}

func copyConversation(c chat.Conversation) chat.Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	counts := make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		counts[k] = v
	}
	c.UnreadCounts = counts
	if c.LastUpdatedAt != nil {
		t := *c.LastUpdatedAt
		c.LastUpdatedAt = &t
	}
	return c
}
