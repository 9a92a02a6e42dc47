package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/matchu/matchchat/chat"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Notification channels written by the triggers in schema.sql.
const (
	messagesChannel      = "chat_messages"
	conversationsChannel = "chat_conversations"
)

// subscriberBuffer is the number of events queued per subscriber before
// dispatch waits for the reader.
const subscriberBuffer = 64

// A change is the payload of a row notification.
type change struct {
	Op             chat.EventOp `json:"op"`
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	ParticipantIDs []string     `json:"participant_ids"`
}

// MessageEvents implements chat.Feed.
func (pg *Postgres) MessageEvents(ctx context.Context, conversationID string) (<-chan chat.MessageEvent, error) {
	if err := pg.listen(); err != nil {
		return nil, err
	}
	return pg.messages.subscribe(ctx, conversationID), nil
}

// ConversationEvents implements chat.Feed.
func (pg *Postgres) ConversationEvents(ctx context.Context, userID string) (<-chan chat.ConversationEvent, error) {
	if err := pg.listen(); err != nil {
		return nil, err
	}
	return pg.conversations.subscribe(ctx, userID), nil
}

// listen starts the shared LISTEN connection on first use. Once it returns
// nil every later notification reaches the subscribers.
func (pg *Postgres) listen() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.ln != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln := pgdriver.NewListener(pg.bun)
	if err := ln.Listen(ctx, messagesChannel, conversationsChannel); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("listen: %w", err)
	}
	pg.ln, pg.stop = ln, cancel
	go pg.dispatch(ctx, ln.Channel())
	return nil
}

func (pg *Postgres) dispatch(ctx context.Context, ch <-chan pgdriver.Notification) {
	defer func() {
		pg.messages.shutdown()
		pg.conversations.shutdown()
	}()
	for {
		var n pgdriver.Notification
		var ok bool
		select {
		case <-ctx.Done():
			return
		case n, ok = <-ch:
			if !ok {
				return
			}
		}

		var c change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			pg.logger.Error("Could not decode notification", "channel", n.Channel, "error", err.Error())
			continue
		}
		switch n.Channel {
		case messagesChannel:
			pg.dispatchMessage(ctx, c)
		case conversationsChannel:
			for _, userID := range c.ParticipantIDs {
				pg.conversations.publish(userID, chat.ConversationEvent{Op: c.Op, ConversationID: c.ID})
			}
		}
	}
}

func (pg *Postgres) dispatchMessage(ctx context.Context, c change) {
	if !pg.messages.has(c.ConversationID) {
		return
	}
	ev := chat.MessageEvent{
		Op:      c.Op,
		Message: chat.Message{ID: c.ID, ConversationID: c.ConversationID},
	}
	if c.Op != chat.OpRemoved {
		msg, err := pg.MessageByID(ctx, c.ID)
		if err != nil {
			// Deleted before it could be read; the removal follows.
			pg.logger.Warn("Could not load notified message", "id", c.ID, "error", err.Error())
			return
		}
		ev.Message = msg
	}
	pg.messages.publish(c.ConversationID, ev)
}

type subscription[T any] struct {
	ctx context.Context
	out chan T
}

// A topic fans events out to the subscribers of a key.
type topic[T any] struct {
	mu     sync.Mutex
	closed bool
	subs   map[string]map[*subscription[T]]struct{}
}

func (t *topic[T]) subscribe(ctx context.Context, key string) <-chan T {
	s := &subscription[T]{ctx: ctx, out: make(chan T, subscriberBuffer)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(s.out)
		return s.out
	}
	if t.subs == nil {
		t.subs = make(map[string]map[*subscription[T]]struct{})
	}
	if t.subs[key] == nil {
		t.subs[key] = make(map[*subscription[T]]struct{})
	}
	t.subs[key][s] = struct{}{}

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[key][s]; ok {
			delete(t.subs[key], s)
			if len(t.subs[key]) == 0 {
				delete(t.subs, key)
			}
			close(s.out)
		}
	}()
	return s.out
}

func (t *topic[T]) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[key]) > 0
}

func (t *topic[T]) publish(key string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs[key] {
		select {
		case s.out <- v:
		case <-s.ctx.Done():
		}
	}
}

// shutdown closes every subscriber channel. Later subscriptions are closed
// immediately.
func (t *topic[T]) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, subs := range t.subs {
		for s := range subs {
			close(s.out)
		}
	}
	t.subs = nil
}
