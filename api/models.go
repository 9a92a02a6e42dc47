package api

import (
	"time"

	"github.com/matchu/matchchat/chat"
)

// A Message is a message as rendered in a conversation view.
type Message struct {
	chat.Message
	// Clock is the local time of day the message was sent.
	Clock string `json:"clock"`
	// DateHeader is set on the first message of each day.
	DateHeader string `json:"date_header,omitempty"`
}

// A Snapshot is the state of a conversation view.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Loaded         bool      `json:"loaded"`
	Error          string    `json:"error,omitempty"`
}

// A ConversationList is the state of a conversation list view.
type ConversationList struct {
	Conversations []chat.ConversationSummary `json:"conversations"`
	Error         string                     `json:"error,omitempty"`
}

func renderMessages(msgs []chat.Message, now time.Time, loc *time.Location) []Message {
	local := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		m.CreatedAt = m.CreatedAt.In(loc)
		local[i] = m
	}
	now = now.In(loc)

	out := make([]Message, len(local))
	for i, m := range local {
		out[i] = Message{Message: m, Clock: chat.FormatClock(m.CreatedAt)}
		if chat.ShowDateHeader(local, i, now) {
			out[i].DateHeader = chat.FormatDateHeader(m.CreatedAt, now)
		}
	}
	return out
}

func renderSnapshot(s chat.Snapshot, now time.Time, loc *time.Location) Snapshot {
	out := Snapshot{
		ConversationID: s.ConversationID,
		Messages:       renderMessages(s.Messages, now, loc),
		Loaded:         s.Loaded,
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}

func renderConversations(s chat.ConversationsSnapshot) ConversationList {
	out := ConversationList{Conversations: s.Conversations}
	if out.Conversations == nil {
		out.Conversations = []chat.ConversationSummary{}
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}
