package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errFeedClosed = errors.New("message feed closed")

// Synchronizer attaches rooms to conversation logs and writes new messages.
type Synchronizer struct {
	Logger    *slog.Logger
	Store     Store
	Feed      Feed
	Summaries *Summaries
	Blobs     BlobStore
	// Now is the client clock used for provisional timestamps. It defaults
	// to time.Now.
	Now func() time.Time
}

func (s *Synchronizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Send persists msg and updates the conversation summary from the sender's
// side. The recipient is resolved from a fresh read of the conversation.
//
// When the message was stored but the summary update failed, the stored
// message is returned together with the error.
func (s *Synchronizer) Send(ctx context.Context, msg Message) (Message, error) {
	if msg.Sender == "" {
		return Message{}, ErrNotAuthenticated
	}
	if msg.Kind() == "" {
		return Message{}, ErrEmptyMessage
	}
	conv, err := s.Store.Conversation(ctx, msg.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("get conversation: %w", err)
	}
	recipient, ok := conv.Other(msg.Sender)
	if !ok {
		return Message{}, fmt.Errorf("user %s in conversation %s: %w", msg.Sender, conv.ID, ErrNotParticipant)
	}

	msg.Pending, msg.Failed = false, false
	saved, err := s.Store.InsertMessage(ctx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if saved.ClientID == "" {
		saved.ClientID = msg.ClientID
	}

	if err := s.Summaries.OnSend(ctx, conv.ID, msg.Sender, recipient, saved.Preview()); err != nil {
		return saved, fmt.Errorf("update summary: %w", err)
	}
	return saved, nil
}

// SendText sends a text message without optimistic display.
func (s *Synchronizer) SendText(ctx context.Context, conversationID, senderID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	return s.Send(ctx, Message{
		ConversationID: conversationID,
		Sender:         senderID,
		Content:        text,
		ClientID:       uuid.NewString(),
	})
}

// SendImage uploads data and sends it as an image message without optimistic
// display.
func (s *Synchronizer) SendImage(ctx context.Context, conversationID, senderID string, data []byte) (Message, error) {
	if senderID == "" {
		return Message{}, ErrNotAuthenticated
	}
	url, err := s.upload(ctx, senderID, data)
	if err != nil {
		return Message{}, err
	}
	return s.Send(ctx, Message{
		ConversationID: conversationID,
		Sender:         senderID,
		ImageURL:       url,
		ClientID:       uuid.NewString(),
	})
}

func (s *Synchronizer) upload(ctx context.Context, userID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyMessage
	}
	if s.Blobs == nil {
		return "", errors.New("no blob store configured")
	}
	url, err := s.Blobs.UploadImage(ctx, userID, data)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return url, nil
}

// Attach opens a live view of a conversation log. The first snapshot holds
// the bulk fetch; later snapshots follow the change feed. The room must be
// closed to release its feed subscription.
func (s *Synchronizer) Attach(ctx context.Context, conversationID string) (*Room, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("attach: %w", ErrNotFound)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Room{
		s:      s,
		id:     conversationID,
		ctx:    ctx,
		cancel: cancel,
		out:    newLatest[Snapshot](),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}

	// Subscribe before the bulk fetch so that nothing committed in between
	// is missed; the high-water mark drops the overlap.
	events, err := s.Feed.MessageEvents(ctx, conversationID)
	if err != nil {
		s.Logger.Error("Could not subscribe to messages", "conversation_id", conversationID, "error", err.Error())
		r.err = fmt.Errorf("subscribe: %w", err)
	}

	go r.run(events)
	return r, nil
}

// A Room is a live, ordered and deduplicated view of one conversation log
// with support for optimistic sends.
type Room struct {
	s       *Synchronizer
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	out     *latest[Snapshot]
	done    chan struct{}
	sends   sync.WaitGroup
	onClose func()
	once    sync.Once

	mu        sync.Mutex
	closing   bool
	confirmed []Message
	pending   []Message
	seen      map[string]struct{}
	mark      time.Time
	loaded    bool
	err       error
}

// ConversationID returns the id of the attached conversation.
func (r *Room) ConversationID() string { return r.id }

// Updates returns the snapshot channel. It holds the latest snapshot only and
// is closed when the room is closed.
func (r *Room) Updates() <-chan Snapshot { return r.out.ch }

// Snapshot returns the current state of the room.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SendText displays a text message immediately and persists it in the
// background. Persistence failures are logged and leave the entry visible
// with Failed set.
func (r *Room) SendText(senderID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return r.sendOptimistic(Message{Sender: senderID, Content: text})
}

// SendImage uploads data, then displays and persists the image message like
// SendText. Upload failures are returned.
func (r *Room) SendImage(ctx context.Context, senderID string, data []byte) (string, error) {
	if senderID == "" {
		return "", ErrNotAuthenticated
	}
	url, err := r.s.upload(ctx, senderID, data)
	if err != nil {
		return "", err
	}
	if err := r.sendOptimistic(Message{Sender: senderID, ImageURL: url}); err != nil {
		return "", err
	}
	return url, nil
}

// Close waits for in-flight sends, releases the feed subscription and closes
// the updates channel.
func (r *Room) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()

		r.sends.Wait()
		r.cancel()
		<-r.done
		if r.onClose != nil {
			r.onClose()
		}
	})
}

func (r *Room) sendOptimistic(msg Message) error {
	if msg.Sender == "" {
		return ErrNotAuthenticated
	}
	msg.ConversationID = r.id
	msg.ClientID = uuid.NewString()
	msg.CreatedAt = r.s.now()
	msg.Pending = true

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return ErrClosed
	}
	r.pending = append(r.pending, msg)
	r.sends.Add(1)
	r.emitLocked()
	r.mu.Unlock()

	go r.persist(msg)
	return nil
}

func (r *Room) persist(msg Message) {
	defer r.sends.Done()

	saved, err := r.s.Send(r.ctx, msg)
	if saved.ID == "" {
		r.s.Logger.Error("Could not send message", "conversation_id", r.id, "client_id", msg.ClientID, "error", err.Error())
		r.mu.Lock()
		for i := range r.pending {
			if r.pending[i].ClientID == msg.ClientID {
				r.pending[i].Failed = true
			}
		}
		r.emitLocked()
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.s.Logger.Error("Could not update conversation summary", "conversation_id", r.id, "message_id", saved.ID, "error", err.Error())
	}

	r.mu.Lock()
	r.addLocked(saved)
	r.emitLocked()
	r.mu.Unlock()
}

func (r *Room) run(events <-chan MessageEvent) {
	defer close(r.done)
	defer r.out.close()

	r.load()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				if r.ctx.Err() == nil {
					r.s.Logger.Warn("Message feed closed", "conversation_id", r.id)
					r.mu.Lock()
					r.err = errFeedClosed
					r.emitLocked()
					r.mu.Unlock()
				}
				continue
			}
			r.apply(ev)
		}
	}
}

func (r *Room) load() {
	msgs, err := r.s.Store.ListMessages(r.ctx, r.id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.s.Logger.Error("Could not load messages", "conversation_id", r.id, "error", err.Error())
		r.err = fmt.Errorf("list messages: %w", err)
		r.emitLocked()
		return
	}

	for _, m := range msgs {
		if _, ok := r.seen[m.ID]; ok {
			continue
		}
		r.seen[m.ID] = struct{}{}
		r.confirmed = insertOrdered(r.confirmed, m)
	}
	if n := len(msgs); n > 0 {
		r.mark = msgs[n-1].CreatedAt
	}
	r.loaded = true
	r.s.Logger.Debug("Loaded messages", "conversation_id", r.id, "count", len(msgs))
	r.emitLocked()
}

func (r *Room) apply(ev MessageEvent) {
	switch ev.Op {
	case OpAdded:
		r.mu.Lock()
		if r.addLocked(ev.Message) {
			r.emitLocked()
		}
		r.mu.Unlock()
	case OpRemoved:
		r.remove(ev.Message.ID)
	}
}

// addLocked merges a confirmed message. Messages already seen or not newer
// than the high-water mark of the bulk fetch are dropped.
func (r *Room) addLocked(m Message) bool {
	changed := false
	if m.ClientID != "" {
		n := len(r.pending)
		r.pending = slices.DeleteFunc(r.pending, func(p Message) bool { return p.ClientID == m.ClientID })
		changed = n != len(r.pending)
	}
	if m.ID == "" {
		return changed
	}
	if _, ok := r.seen[m.ID]; ok {
		return changed
	}
	if !m.CreatedAt.After(r.mark) {
		r.s.Logger.Debug("Dropped message below high-water mark", "conversation_id", r.id, "message_id", m.ID)
		return changed
	}
	r.seen[m.ID] = struct{}{}
	m.Pending, m.Failed = false, false
	r.confirmed = insertOrdered(r.confirmed, m)
	return true
}

func (r *Room) remove(id string) {
	r.mu.Lock()
	i := slices.IndexFunc(r.confirmed, func(m Message) bool { return m.ID == id })
	if i < 0 {
		r.mu.Unlock()
		return
	}
	wasTail := i == len(r.confirmed)-1
	r.confirmed = slices.Delete(r.confirmed, i, i+1)
	var tail *Message
	if n := len(r.confirmed); wasTail && n > 0 {
		t := r.confirmed[n-1]
		tail = &t
	}
	loaded := r.loaded
	r.emitLocked()
	r.mu.Unlock()

	if !wasTail {
		return
	}
	if !loaded {
		// The local log holds streamed messages only; older ones may exist.
		if err := r.s.Summaries.Recompute(r.ctx, r.id); err != nil {
			r.s.Logger.Error("Could not recompute conversation tail", "conversation_id", r.id, "error", err.Error())
		}
		return
	}
	if err := r.s.Summaries.OnMessageRemoved(r.ctx, r.id, tail); err != nil {
		r.s.Logger.Error("Could not rewrite conversation tail", "conversation_id", r.id, "error", err.Error())
	}
}

// snapshotLocked renders confirmed messages followed by pending ones. A
// pending entry never sorts before the entries preceding it.
func (r *Room) snapshotLocked() Snapshot {
	msgs := make([]Message, 0, len(r.confirmed)+len(r.pending))
	msgs = append(msgs, r.confirmed...)
	var floor time.Time
	if n := len(r.confirmed); n > 0 {
		floor = r.confirmed[n-1].CreatedAt
	}
	for _, p := range r.pending {
		if p.CreatedAt.Before(floor) {
			p.CreatedAt = floor
		}
		floor = p.CreatedAt
		msgs = append(msgs, p)
	}
	return Snapshot{
		ConversationID: r.id,
		Messages:       msgs,
		Loaded:         r.loaded,
		Err:            r.err,
	}
}

func (r *Room) emitLocked() {
	r.out.publish(r.snapshotLocked())
}

// insertOrdered inserts m after every message with the same or an earlier
// timestamp, so equal timestamps keep arrival order.
func insertOrdered(list []Message, m Message) []Message {
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	return slices.Insert(list, i, m)
}
