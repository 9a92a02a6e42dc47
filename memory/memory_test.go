package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matchu/matchchat/chat"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDB_CreateConversation(t *testing.T) {
	ctx := context.Background()
	db := New()

	events, err := db.ConversationEvents(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	c, err := db.CreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastUpdatedAt == nil || !c.LastUpdatedAt.Equal(c.CreatedAt) {
		t.Errorf("new conversation timestamps = %v / %v", c.LastUpdatedAt, c.CreatedAt)
	}
	select {
	case ev := <-events:
		if diff := cmp.Diff(chat.ConversationEvent{Op: chat.OpAdded, ConversationID: c.ID}, ev); diff != "" {
			t.Errorf("event mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation event")
	}

	again, err := db.CreateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != c.ID {
		t.Errorf("second create returned %s, want existing %s", again.ID, c.ID)
	}

	for _, pair := range [][2]string{{"alice", "alice"}, {"", "bob"}} {
		if _, err := db.CreateConversation(ctx, pair[0], pair[1]); !errors.Is(err, chat.ErrInvalidConversation) {
			t.Errorf("CreateConversation(%q, %q) error = %v", pair[0], pair[1], err)
		}
	}
}

func TestDB_stampsIncrease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	db := New()
	db.Now = fixedClock(now)

	c, err := db.CreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	var prev time.Time
	for i := range 3 {
		m, err := db.InsertMessage(ctx, chat.Message{ConversationID: c.ID, Sender: "alice", Content: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if !m.CreatedAt.After(prev) || !m.CreatedAt.After(c.CreatedAt) {
			t.Errorf("message %d stamped %v, not after %v", i, m.CreatedAt, prev)
		}
		prev = m.CreatedAt
	}
}

func TestDB_ListConversations(t *testing.T) {
	ctx := context.Background()
	db := New()
	older, _ := db.CreateConversation(ctx, "alice", "bob")
	newer, _ := db.CreateConversation(ctx, "alice", "carol")
	cleared, _ := db.CreateConversation(ctx, "alice", "dave")
	if _, err := db.CreateConversation(ctx, "erin", "frank"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetTail(ctx, cleared.ID, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := db.ApplySend(ctx, older.ID, "alice", "hi"); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{older.ID, newer.ID, cleared.ID}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestDB_summaryUpdates(t *testing.T) {
	ctx := context.Background()
	db := New()
	c, _ := db.CreateConversation(ctx, "alice", "bob")

	for range 2 {
		if err := db.ApplySend(ctx, c.ID, "bob", "hi"); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := db.Conversation(ctx, c.ID)
	if got.Unread("bob") != 2 || got.LastMessagePreview != "hi" {
		t.Errorf("after two sends: %+v", got)
	}

	if err := db.ResetUnread(ctx, c.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Conversation(ctx, c.ID)
	if got.Unread("bob") != 0 {
		t.Errorf("unread after reset = %d", got.Unread("bob"))
	}

	// Returned conversations are copies.
	got.UnreadCounts["bob"] = 99
	again, _ := db.Conversation(ctx, c.ID)
	if again.Unread("bob") != 0 {
		t.Error("caller mutation leaked into the store")
	}

	if err := db.ApplySend(ctx, "missing", "bob", "hi"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("ApplySend(missing) error = %v", err)
	}
}

func TestDB_messages(t *testing.T) {
	ctx := context.Background()
	db := New()
	c, _ := db.CreateConversation(ctx, "alice", "bob")

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := db.MessageEvents(feedCtx, c.ID)
	if err != nil {
		t.Fatal(err)
	}

	m, err := db.InsertMessage(ctx, chat.Message{ConversationID: c.ID, Sender: "alice", Content: "hi", Pending: true})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || m.Pending {
		t.Errorf("inserted message = %+v", m)
	}
	if err := db.DeleteMessage(ctx, c.ID, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(ctx, c.ID, m.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("second DeleteMessage() error = %v", err)
	}

	var ops []chat.EventOp
	for range 2 {
		select {
		case ev := <-events:
			ops = append(ops, ev.Op)
		case <-time.After(time.Second):
			t.Fatal("missing message event")
		}
	}
	if diff := cmp.Diff([]chat.EventOp{chat.OpAdded, chat.OpRemoved}, ops); diff != "" {
		t.Errorf("event ops mismatch (-want +got):\n%s", diff)
	}

	if _, err := db.ListMessages(ctx, "missing"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("ListMessages(missing) error = %v", err)
	}
	if _, err := db.InsertMessage(ctx, chat.Message{ConversationID: "missing"}); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("InsertMessage(missing) error = %v", err)
	}

	cancel()
	for range events {
	}
	deadline := time.Now().Add(time.Second)
	for db.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d after cancel", db.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDB_profiles(t *testing.T) {
	ctx := context.Background()
	db := New()
	if _, err := db.Profile(ctx, "alice"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Profile(unknown) error = %v", err)
	}
	want := chat.Profile{ID: "alice", Name: "Alice", AvatarURLs: []string{"a.png"}}
	if err := db.PutProfile(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := db.Profile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSubscriber[int]()
	for i := range 100 {
		s.push(i)
	}
	go s.pump(ctx)

	for want := range 100 {
		if got := <-s.out; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}
	cancel()
	if _, ok := <-s.out; ok {
		t.Error("out not closed after cancel")
	}
}

func TestPresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPresence()

	watch, err := p.Watch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	next := func() bool {
		t.Helper()
		select {
		case v := <-watch:
			return v
		case <-time.After(time.Second):
			t.Fatal("no presence update")
			return false
		}
	}
	if next() {
		t.Fatal("initial value is online")
	}

	if err := p.SetOnline(ctx, "alice", "t1", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !next() {
		t.Fatal("SetOnline did not notify")
	}
	if err := p.Retract(ctx, "alice", "other"); err != nil {
		t.Fatal(err)
	}
	if online, _ := p.Online(ctx, "alice"); !online {
		t.Error("Retract with a foreign token deleted the key")
	}
	if next() {
		t.Error("key did not expire")
	}

	if err := p.SetOnline(ctx, "alice", "t2", time.Minute); err != nil {
		t.Fatal(err)
	}
	next()
	if err := p.Retract(ctx, "alice", "t2"); err != nil {
		t.Fatal(err)
	}
	if next() {
		t.Error("Retract did not notify")
	}

	p.SetDown(true)
	if err := p.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping() while down error = %v", err)
	}
	if err := p.SetOnline(ctx, "alice", "t3", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetOnline() while down error = %v", err)
	}
}

func TestPresence_refreshOutlivesStaleTimers(t *testing.T) {
	ctx := context.Background()
	p := NewPresence()
	for range 200 {
		if err := p.SetOnline(ctx, "alice", "t1", time.Nanosecond); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.SetOnline(ctx, "alice", "t1", time.Minute); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if online, _ := p.Online(ctx, "alice"); !online {
		t.Error("a timer armed by an earlier refresh expired the key")
	}
	if err := p.Retract(ctx, "alice", "t1"); err != nil {
		t.Fatal(err)
	}
}

func TestBlobs(t *testing.T) {
	b := &Blobs{BaseURL: "memory://"}
	url, err := b.UploadImage(context.Background(), "alice", []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "memory:///chat-images/alice/") {
		t.Errorf("url = %q", url)
	}
	data, ok := b.Image(url)
	if !ok || string(data) != "img" {
		t.Errorf("Image() = %q, %v", data, ok)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d", b.Len())
	}
}
