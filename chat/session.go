package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Engine wires the chat components shared by all sessions.
type Engine struct {
	Logger        *slog.Logger
	Messages      *Synchronizer
	Conversations *Index
	Summaries     *Summaries
	Presence      PresenceStore
	PresenceTTL   time.Duration
	Heartbeat     time.Duration
}

// NewSession returns a logged out session.
func (e *Engine) NewSession() *Session {
	return &Session{
		e:        e,
		children: make(map[closer]struct{}),
		tracker: &Tracker{
			Logger:    e.Logger,
			Store:     e.Presence,
			TTL:       e.PresenceTTL,
			Heartbeat: e.Heartbeat,
		},
	}
}

type closer interface{ Close() }

// A Session supervises the subscriptions of one connected client. Every
// room, list and signal opened through it is closed when the user changes,
// logs out or the session closes.
type Session struct {
	e       *Engine
	tracker *Tracker

	mu       sync.Mutex
	userID   string
	closed   bool
	children map[closer]struct{}
}

// UserID returns the authenticated user, or "" when logged out.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Presence returns the presence tracker of the session.
func (s *Session) Presence() *Tracker { return s.tracker }

// Login authenticates the session as userID. Subscriptions of a previous
// user are closed and their presence retracted before the new session
// starts publishing presence.
func (s *Session) Login(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.userID
	s.mu.Unlock()

	if prev != "" && prev != userID {
		if err := s.Logout(ctx); err != nil {
			s.e.Logger.Warn("Could not log out previous user", "user_id", prev, "error", err.Error())
		}
	}
	if prev == userID {
		return nil
	}

	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	return s.tracker.Start(userID)
}

// Logout closes all subscriptions and retracts the presence key.
func (s *Session) Logout(ctx context.Context) error {
	s.closeChildren()
	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
	return s.tracker.Logout(ctx)
}

// Close ends the session as a dropped connection would: subscriptions are
// closed and the presence key expires on its own.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeChildren()
	s.tracker.Stop()
}

// OpenConversation resets the user's unread counter and attaches a room.
// A failed reset is logged and does not prevent the room from opening.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*Room, error) {
	userID, err := s.user()
	if err != nil {
		return nil, err
	}
	if err := s.e.Summaries.OnOpenConversation(ctx, conversationID, userID); err != nil {
		s.e.Logger.Error("Could not reset unread count", "conversation_id", conversationID, "user_id", userID, "error", err.Error())
	}
	r, err := s.e.Messages.Attach(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.onClose = func() { s.untrack(r) }
	s.track(r)
	return r, nil
}

// Conversations opens the live conversation list of the user.
func (s *Session) Conversations(ctx context.Context) (*ConversationList, error) {
	userID, err := s.user()
	if err != nil {
		return nil, err
	}
	l, err := s.e.Conversations.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}
	l.onClose = func() { s.untrack(l) }
	s.track(l)
	return l, nil
}

// HasMatch opens the live "has any conversation" signal of the user.
func (s *Session) HasMatch(ctx context.Context) (*Signal, error) {
	userID, err := s.user()
	if err != nil {
		return nil, err
	}
	sig, err := s.e.Conversations.HasAnyConversation(ctx, userID)
	if err != nil {
		return nil, err
	}
	sig.onClose = func() { s.untrack(sig) }
	s.track(sig)
	return sig, nil
}

func (s *Session) user() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.userID == "" {
		return "", ErrNotAuthenticated
	}
	return s.userID, nil
}

// track registers c. A child opened while the session was closing is
// closed right away.
func (s *Session) track(c closer) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.children[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrack(c closer) {
	s.mu.Lock()
	delete(s.children, c)
	s.mu.Unlock()
}

func (s *Session) closeChildren() {
	s.mu.Lock()
	children := make([]closer, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		c.Close()
	}
}
