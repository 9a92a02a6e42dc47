package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// profileConcurrency bounds parallel profile lookups of one list refresh.
const profileConcurrency = 8

// Index produces the live conversation lists of users.
type Index struct {
	Logger   *slog.Logger
	Store    Store
	Feed     Feed
	Profiles ProfileStore
	Presence PresenceReader
}

// Subscribe opens the live, recency sorted conversation list of userID. Each
// entry is enriched with the partner's profile and presence.
func (x *Index) Subscribe(ctx context.Context, userID string) (*ConversationList, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	ctx, cancel := context.WithCancel(ctx)
	events, err := x.Feed.ConversationEvents(ctx, userID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe conversations: %w", err)
	}

	l := &ConversationList{
		x:        x,
		userID:   userID,
		ctx:      ctx,
		cancel:   cancel,
		out:      newLatest[ConversationsSnapshot](),
		done:     make(chan struct{}),
		presence: make(chan presenceUpdate),
		profiles: make(map[string]Partner),
		watches:  make(map[string]context.CancelFunc),
		online:   make(map[string]bool),
	}
	go l.run(events)
	return l, nil
}

// List returns the conversation list of userID once, with the presence of
// every partner as currently stored.
func (x *Index) List(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	convs, err := x.Store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	l := &ConversationList{
		x:      x,
		userID: userID,
		ctx:    ctx,
		convs:  convs,
		online: make(map[string]bool),
	}
	l.profiles = l.resolve(convs)
	for _, id := range l.partnerIDs(convs) {
		l.online[id] = x.online(ctx, id)
	}
	return l.summaries(), nil
}

// online reads the first value of a presence watch.
func (x *Index) online(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := x.Presence.Watch(ctx, userID)
	if err != nil {
		x.Logger.Warn("Could not watch presence", "user_id", userID, "error", err.Error())
		return false
	}
	select {
	case v, ok := <-ch:
		return ok && v
	case <-ctx.Done():
		return false
	}
}

// A ConversationList is the live conversation list of one user.
type ConversationList struct {
	x       *Index
	userID  string
	ctx     context.Context
	cancel  context.CancelFunc
	out     *latest[ConversationsSnapshot]
	done    chan struct{}
	onClose func()
	once    sync.Once

	presence chan presenceUpdate

	// Owned by the run goroutine.
	convs    []Conversation
	members  map[string]struct{}
	profiles map[string]Partner
	watches  map[string]context.CancelFunc
	online   map[string]bool
	err      error
}

type presenceUpdate struct {
	userID string
	online bool
}

// Updates returns the snapshot channel. It holds the latest snapshot only and
// is closed when the list is closed.
func (l *ConversationList) Updates() <-chan ConversationsSnapshot { return l.out.ch }

// Close releases the feed subscription and every presence watch.
func (l *ConversationList) Close() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if l.onClose != nil {
			l.onClose()
		}
	})
}

func (l *ConversationList) run(events <-chan ConversationEvent) {
	defer close(l.done)
	defer l.out.close()
	defer func() {
		for _, stop := range l.watches {
			stop()
		}
	}()

	l.refresh()
	for {
		select {
		case <-l.ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				if l.ctx.Err() == nil {
					l.x.Logger.Warn("Conversation feed closed", "user_id", l.userID)
					l.err = errors.New("conversation feed closed")
					l.emit()
				}
				events = nil
				continue
			}
			l.refresh()
		case u := <-l.presence:
			if _, watched := l.watches[u.userID]; !watched {
				continue
			}
			if l.online[u.userID] == u.online {
				continue
			}
			l.online[u.userID] = u.online
			l.emit()
		}
	}
}

// refresh re-reads the conversation list. Profiles are resolved again when
// conversations entered or left the list.
func (l *ConversationList) refresh() {
	convs, err := l.x.Store.ListConversations(l.ctx, l.userID)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.x.Logger.Error("Could not list conversations", "user_id", l.userID, "error", err.Error())
		l.err = fmt.Errorf("list conversations: %w", err)
		l.emit()
		return
	}
	l.err = nil

	members := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		members[c.ID] = struct{}{}
	}
	if !sameKeys(members, l.members) {
		l.profiles = l.resolve(convs)
		l.watch(convs)
	}
	l.members = members
	l.convs = convs
	l.emit()
}

func (l *ConversationList) partnerIDs(convs []Conversation) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, c := range convs {
		other, ok := c.Other(l.userID)
		if !ok {
			continue
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		ids = append(ids, other)
	}
	return ids
}

// resolve looks up every partner profile. A failed lookup marks the partner
// as missing instead of failing the list.
func (l *ConversationList) resolve(convs []Conversation) map[string]Partner {
	ids := l.partnerIDs(convs)
	out := make(map[string]Partner, len(ids))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(l.ctx)
	g.SetLimit(profileConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			p, err := l.x.Profiles.Profile(ctx, id)
			partner := partnerFromProfile(id, p)
			if err != nil {
				l.x.Logger.Warn("Could not resolve partner profile", "user_id", id, "error", err.Error())
				partner = Partner{ID: id, Name: defaultName, AvatarURL: defaultAvatar, Missing: true}
			}
			mu.Lock()
			out[id] = partner
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// watch keeps exactly one presence watch per partner.
func (l *ConversationList) watch(convs []Conversation) {
	want := make(map[string]struct{})
	for _, id := range l.partnerIDs(convs) {
		want[id] = struct{}{}
	}
	for id, stop := range l.watches {
		if _, ok := want[id]; !ok {
			stop()
			delete(l.watches, id)
			delete(l.online, id)
		}
	}
	for id := range want {
		if _, ok := l.watches[id]; ok {
			continue
		}
		ctx, stop := context.WithCancel(l.ctx)
		ch, err := l.x.Presence.Watch(ctx, id)
		if err != nil {
			stop()
			l.x.Logger.Warn("Could not watch presence", "user_id", id, "error", err.Error())
			continue
		}
		l.watches[id] = stop
		go l.forward(ctx, id, ch)
	}
}

func (l *ConversationList) forward(ctx context.Context, userID string, ch <-chan bool) {
	for online := range ch {
		select {
		case l.presence <- presenceUpdate{userID: userID, online: online}:
		case <-ctx.Done():
			return
		}
	}
}

func (l *ConversationList) emit() {
	l.out.publish(ConversationsSnapshot{Conversations: l.summaries(), Err: l.err})
}

func (l *ConversationList) summaries() []ConversationSummary {
	out := make([]ConversationSummary, 0, len(l.convs))
	for _, c := range l.convs {
		other, ok := c.Other(l.userID)
		if !ok {
			continue
		}
		partner, ok := l.profiles[other]
		if !ok {
			partner = Partner{ID: other, Name: defaultName, AvatarURL: defaultAvatar, Missing: true}
		}
		partner.Online = l.online[other]
		out = append(out, ConversationSummary{
			ID:                 c.ID,
			Partner:            partner,
			LastMessagePreview: c.LastMessagePreview,
			LastUpdatedAt:      c.LastUpdatedAt,
			CreatedAt:          c.CreatedAt,
			Unread:             c.Unread(l.userID),
		})
	}
	SortSummaries(out)
	return out
}

// SortSummaries orders conversations by LastUpdatedAt descending. Entries
// without a timestamp follow, newest match first; ids break ties.
func SortSummaries(s []ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		switch {
		case a.LastUpdatedAt != nil && b.LastUpdatedAt == nil:
			return true
		case a.LastUpdatedAt == nil && b.LastUpdatedAt != nil:
			return false
		case a.LastUpdatedAt != nil && !a.LastUpdatedAt.Equal(*b.LastUpdatedAt):
			return a.LastUpdatedAt.After(*b.LastUpdatedAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// HasAnyConversation opens a live signal reporting whether userID takes part
// in at least one conversation. Errors report false.
func (x *Index) HasAnyConversation(ctx context.Context, userID string) (*Signal, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Signal{
		cancel: cancel,
		out:    newLatest[bool](),
		done:   make(chan struct{}),
	}

	events, err := x.Feed.ConversationEvents(ctx, userID)
	if err != nil {
		x.Logger.Error("Could not subscribe to conversations", "user_id", userID, "error", err.Error())
		s.out.publish(false)
		events = nil
	}

	check := func() {
		convs, err := x.Store.ListConversations(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				x.Logger.Error("Could not list conversations", "user_id", userID, "error", err.Error())
				s.out.publish(false)
			}
			return
		}
		s.out.publish(len(convs) > 0)
	}

	go func() {
		defer close(s.done)
		defer s.out.close()
		check()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					if ctx.Err() == nil {
						s.out.publish(false)
					}
					events = nil
					continue
				}
				check()
			}
		}
	}()
	return s, nil
}

// A Signal is a live boolean.
type Signal struct {
	cancel  context.CancelFunc
	out     *latest[bool]
	done    chan struct{}
	onClose func()
	once    sync.Once
}

// Updates returns the value channel. It is closed when the signal is closed.
func (s *Signal) Updates() <-chan bool { return s.out.ch }

// Close releases the underlying subscription.
func (s *Signal) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func sameKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
