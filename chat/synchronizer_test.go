package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestInsertOrdered(t *testing.T) {
	var list []Message
	for _, m := range []Message{
		{ID: "c", CreatedAt: base.Add(2 * time.Second)},
		{ID: "a", CreatedAt: base},
		{ID: "b1", CreatedAt: base.Add(time.Second)},
		{ID: "b2", CreatedAt: base.Add(time.Second)},
	} {
		list = insertOrdered(list, m)
	}
	if diff := cmp.Diff([]string{"a", "b1", "b2", "c"}, ids(list)); diff != "" {
		t.Errorf("insertOrdered() mismatch (-want +got):\n%s", diff)
	}
}

func TestRoom_snapshotClampsPending(t *testing.T) {
	r := &Room{
		id:        "c1",
		confirmed: []Message{{ID: "1", CreatedAt: base.Add(10 * time.Second)}},
		pending: []Message{
			{ClientID: "p1", CreatedAt: base.Add(5 * time.Second), Pending: true},
			{ClientID: "p2", CreatedAt: base.Add(12 * time.Second), Pending: true},
		},
	}
	s := r.snapshotLocked()
	var got []time.Time
	for _, m := range s.Messages {
		got = append(got, m.CreatedAt)
	}
	want := []time.Time{base.Add(10 * time.Second), base.Add(10 * time.Second), base.Add(12 * time.Second)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot timestamps mismatch (-want +got):\n%s", diff)
	}
}

func TestRoom_dedup(t *testing.T) {
	m1 := Message{ID: "m1", ConversationID: "c1", Sender: "alice", Content: "one", CreatedAt: base}
	m2 := Message{ID: "m2", ConversationID: "c1", Sender: "bob", Content: "two", CreatedAt: base.Add(time.Second)}
	feed := newTestfeed()
	tails := make(chan string, 1)
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store: &teststore{
			listMessages: func(string) ([]Message, error) { return []Message{m1, m2}, nil },
		},
		Feed: feed,
		Summaries: &Summaries{
			Logger: slogt.New(t),
			Store: &testsummaries{
				setTail: func(_, preview string, at *time.Time) error {
					if at == nil || !at.Equal(m2.CreatedAt) {
						t.Errorf("SetTail at = %v, want %v", at, m2.CreatedAt)
					}
					tails <- preview
					return nil
				},
			},
		},
	}

	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return s.Loaded })

	// A replay of the bulk fetch and an old message the fetch did not
	// include are both dropped.
	feed.messages <- MessageEvent{Op: OpAdded, Message: m1}
	feed.messages <- MessageEvent{Op: OpAdded, Message: Message{ID: "m0", CreatedAt: base.Add(500 * time.Millisecond)}}
	m3 := Message{ID: "m3", ConversationID: "c1", Sender: "alice", Content: "three", CreatedAt: base.Add(2 * time.Second)}
	feed.messages <- MessageEvent{Op: OpAdded, Message: m3}

	snap := waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return len(s.Messages) >= 3 })
	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, ids(snap.Messages)); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	feed.messages <- MessageEvent{Op: OpRemoved, Message: Message{ID: "m3", ConversationID: "c1"}}
	select {
	case got := <-tails:
		if got != "two" {
			t.Errorf("tail preview = %q, want two", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tail was not rewritten")
	}
	snap = r.Snapshot()
	if diff := cmp.Diff([]string{"m1", "m2"}, ids(snap.Messages)); diff != "" {
		t.Errorf("messages after removal mismatch (-want +got):\n%s", diff)
	}
}

func TestRoom_removeNonTail(t *testing.T) {
	m1 := Message{ID: "m1", Content: "one", CreatedAt: base}
	m2 := Message{ID: "m2", Content: "two", CreatedAt: base.Add(time.Second)}
	feed := newTestfeed()
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store: &teststore{
			listMessages: func(string) ([]Message, error) { return []Message{m1, m2}, nil },
		},
		Feed: feed,
		Summaries: &Summaries{
			Logger: slogt.New(t),
			Store: &testsummaries{
				setTail: func(string, string, *time.Time) error {
					t.Error("SetTail called for a non-tail removal")
					return nil
				},
			},
		},
	}
	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return s.Loaded })

	feed.messages <- MessageEvent{Op: OpRemoved, Message: Message{ID: "m1"}}
	snap := waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return len(s.Messages) == 1 })
	if snap.Messages[0].ID != "m2" {
		t.Errorf("remaining message = %s, want m2", snap.Messages[0].ID)
	}
}

func TestRoom_loadError(t *testing.T) {
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store: &teststore{
			listMessages: func(string) ([]Message, error) { return nil, errors.New("permission denied") },
		},
		Feed: newTestfeed(),
	}
	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	snap := waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return s.Err != nil })
	if snap.Loaded || len(snap.Messages) != 0 {
		t.Errorf("error snapshot = %+v, want empty and not loaded", snap)
	}
}

func TestRoom_removeAfterLoadError(t *testing.T) {
	m1 := Message{ID: "m1", ConversationID: "c1", Sender: "alice", Content: "one", CreatedAt: base}
	m2 := Message{ID: "m2", ConversationID: "c1", Sender: "bob", Content: "two", CreatedAt: base.Add(time.Second)}
	var calls atomic.Int32
	store := &teststore{
		listMessages: func(string) ([]Message, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return []Message{m1}, nil
		},
	}
	type tail struct {
		preview string
		at      *time.Time
	}
	tails := make(chan tail, 1)
	feed := newTestfeed()
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store:  store,
		Feed:   feed,
		Summaries: &Summaries{
			Logger: slogt.New(t),
			Store: &testsummaries{
				setTail: func(_, preview string, at *time.Time) error {
					tails <- tail{preview, at}
					return nil
				},
			},
			Messages: store,
		},
	}
	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return s.Err != nil })

	feed.messages <- MessageEvent{Op: OpAdded, Message: m2}
	waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return len(s.Messages) == 1 })
	feed.messages <- MessageEvent{Op: OpRemoved, Message: Message{ID: "m2", ConversationID: "c1"}}

	select {
	case got := <-tails:
		if got.preview != "one" || got.at == nil || !got.at.Equal(m1.CreatedAt) {
			t.Errorf("tail = %q at %v, want one at %v", got.preview, got.at, m1.CreatedAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tail was not rewritten")
	}
}

func TestRoom_sendOptimistic(t *testing.T) {
	release := make(chan struct{})
	conv := Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob"}}
	var applied []string
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store: &teststore{
			conversation: func(string) (Conversation, error) { return conv, nil },
			listMessages: func(string) ([]Message, error) { return nil, nil },
			insertMessage: func(msg Message) (Message, error) {
				<-release
				if msg.Pending {
					t.Error("InsertMessage received a pending message")
				}
				msg.ID = "s1"
				msg.CreatedAt = base.Add(time.Minute)
				return msg, nil
			},
		},
		Feed: newTestfeed(),
		Summaries: &Summaries{
			Logger: slogt.New(t),
			Store: &testsummaries{
				applySend: func(_, recipientID, preview string) error {
					applied = append(applied, recipientID+":"+preview)
					return nil
				},
			},
		},
		Now: func() time.Time { return base },
	}
	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return s.Loaded })

	if err := r.SendText("alice", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("SendText(blank) error = %v, want ErrEmptyMessage", err)
	}
	if err := r.SendText("", "hi"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("SendText(no sender) error = %v, want ErrNotAuthenticated", err)
	}
	if err := r.SendText("alice", " hi "); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Messages) != 1 || !snap.Messages[0].Pending || snap.Messages[0].Content != "hi" {
		t.Fatalf("snapshot before confirmation = %+v, want one pending entry", snap.Messages)
	}
	clientID := snap.Messages[0].ClientID

	close(release)
	snap = waitSnapshot(t, r.Updates(), func(s Snapshot) bool {
		return len(s.Messages) == 1 && !s.Messages[0].Pending
	})
	got := snap.Messages[0]
	if got.ID != "s1" || got.ClientID != clientID || got.Failed {
		t.Errorf("confirmed message = %+v", got)
	}
	r.Close()
	if diff := cmp.Diff([]string{"bob:hi"}, applied); diff != "" {
		t.Errorf("ApplySend calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRoom_sendFailure(t *testing.T) {
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store: &teststore{
			conversation: func(string) (Conversation, error) {
				return Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob"}}, nil
			},
			listMessages: func(string) ([]Message, error) { return nil, nil },
			insertMessage: func(Message) (Message, error) {
				return Message{}, errors.New("write rejected")
			},
		},
		Feed: newTestfeed(),
	}
	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	waitSnapshot(t, r.Updates(), func(s Snapshot) bool { return s.Loaded })

	if err := r.SendText("alice", "hi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	snap := waitSnapshot(t, r.Updates(), func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Failed
	})
	if snap.Messages[0].Content != "hi" {
		t.Errorf("failed entry = %+v", snap.Messages[0])
	}
}

func TestRoom_closed(t *testing.T) {
	s := &Synchronizer{
		Logger: slogt.New(t),
		Store: &teststore{
			listMessages: func(string) ([]Message, error) { return nil, nil },
		},
		Feed: newTestfeed(),
	}
	r, err := s.Attach(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.Close()

	if err := r.SendText("alice", "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText() after Close error = %v, want ErrClosed", err)
	}
	for range r.Updates() {
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatal("updates closed")
			}
			if pred(s) {
				return s
			}
		case <-timeout:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// testfeed delivers whatever the test writes to its channels.
type testfeed struct {
	messages      chan MessageEvent
	conversations chan ConversationEvent
}

func newTestfeed() *testfeed {
	return &testfeed{
		messages:      make(chan MessageEvent),
		conversations: make(chan ConversationEvent),
	}
}

func (f *testfeed) MessageEvents(ctx context.Context, _ string) (<-chan MessageEvent, error) {
	return forward(ctx, f.messages), nil
}

func (f *testfeed) ConversationEvents(ctx context.Context, _ string) (<-chan ConversationEvent, error) {
	return forward(ctx, f.conversations), nil
}

func forward[T any](ctx context.Context, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-in:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
