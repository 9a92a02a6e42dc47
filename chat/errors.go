package chat

import "errors"

var (
	// ErrNotAuthenticated is returned when an operation needs a user id and
	// none was given.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNotFound is returned when a conversation, message or profile does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmptyMessage is returned when a message has no text after trimming.
	ErrEmptyMessage = errors.New("empty message")
	// ErrNotParticipant is returned when a user acts on a conversation they
	// are not part of.
	ErrNotParticipant = errors.New("not a participant")
	// ErrInvalidConversation is returned for malformed participant sets.
	ErrInvalidConversation = errors.New("invalid conversation")
	// ErrClosed is returned when a closed room or session is used.
	ErrClosed = errors.New("closed")
)
