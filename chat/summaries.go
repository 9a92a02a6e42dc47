package chat

import (
	"context"
	"fmt"
	"log/slog"
)

// Summaries keeps the unread counters and the last message preview of
// conversations in line with their logs.
type Summaries struct {
	Logger *slog.Logger
	Store  SummaryStore
	// Messages is used by Recompute to read the current tail.
	Messages Store
}

// OnSend records a message from senderID to recipientID: the preview and
// timestamp are rewritten and the recipient's unread counter is incremented
// in one atomic store update.
func (s *Summaries) OnSend(ctx context.Context, conversationID, senderID, recipientID, preview string) error {
	if senderID == "" || recipientID == "" {
		return ErrNotAuthenticated
	}
	if senderID == recipientID {
		return fmt.Errorf("sender %s is the recipient: %w", senderID, ErrNotParticipant)
	}
	if err := s.Store.ApplySend(ctx, conversationID, recipientID, preview); err != nil {
		return fmt.Errorf("apply send: %w", err)
	}
	return nil
}

// OnOpenConversation resets the unread counter of userID. The reset is last
// write wins: a message landing at the same instant may be zeroed with it.
func (s *Summaries) OnOpenConversation(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}
	if err := s.Store.ResetUnread(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

// OnMessageRemoved rewrites the preview from the new tail of the log. A nil
// tail means the log is empty: the preview is cleared and the timestamp set
// to null.
func (s *Summaries) OnMessageRemoved(ctx context.Context, conversationID string, tail *Message) error {
	var err error
	if tail == nil {
		err = s.Store.SetTail(ctx, conversationID, "", nil)
	} else {
		at := tail.CreatedAt
		err = s.Store.SetTail(ctx, conversationID, tail.Preview(), &at)
	}
	if err != nil {
		return fmt.Errorf("set tail: %w", err)
	}
	s.Logger.Debug("Rewrote conversation tail", "conversation_id", conversationID, "empty", tail == nil)
	return nil
}

// Recompute reads the log and rewrites the summary from its tail. It is used
// when a deletion is not observed by a fully loaded room.
func (s *Summaries) Recompute(ctx context.Context, conversationID string) error {
	msgs, err := s.Messages.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return s.OnMessageRemoved(ctx, conversationID, nil)
	}
	return s.OnMessageRemoved(ctx, conversationID, &msgs[len(msgs)-1])
}
