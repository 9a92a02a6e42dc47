package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matchu/matchchat/chat"
	"github.com/neilotoole/slogt"
	"github.com/uptrace/bun/driver/pgdriver"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestTopic(t *testing.T) {
	var tp topic[int]
	ctx, cancel := context.WithCancel(context.Background())
	a := tp.subscribe(ctx, "c1")
	b := tp.subscribe(context.Background(), "c1")
	other := tp.subscribe(context.Background(), "c2")

	tp.publish("c1", 1)
	if got := receive(t, a); got != 1 {
		t.Errorf("a got %d", got)
	}
	if got := receive(t, b); got != 1 {
		t.Errorf("b got %d", got)
	}
	select {
	case v := <-other:
		t.Errorf("subscriber of another key got %d", v)
	default:
	}

	cancel()
	for range a {
	}
	if !tp.has("c1") {
		t.Error("remaining subscriber of c1 was dropped")
	}

	tp.shutdown()
	for _, ch := range []<-chan int{b, other} {
		for range ch {
		}
	}
	if tp.has("c1") {
		t.Error("subscribers remain after shutdown")
	}
	if _, ok := <-tp.subscribe(context.Background(), "c1"); ok {
		t.Error("subscription after shutdown is open")
	}
}

func TestDispatch(t *testing.T) {
	pg := &Postgres{logger: slogt.New(t)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	convs := pg.conversations.subscribe(ctx, "bob")
	msgs := pg.messages.subscribe(ctx, "c1")

	ch := make(chan pgdriver.Notification)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pg.dispatch(ctx, ch)
	}()

	ch <- pgdriver.Notification{Channel: conversationsChannel, Payload: "{not json"}
	ch <- pgdriver.Notification{
		Channel: conversationsChannel,
		Payload: `{"op":"changed","id":"c1","participant_ids":["alice","bob"]}`,
	}
	if diff := cmp.Diff(chat.ConversationEvent{Op: chat.OpChanged, ConversationID: "c1"}, receive(t, convs)); diff != "" {
		t.Errorf("conversation event mismatch (-want +got):\n%s", diff)
	}

	// Removals carry the ids only and need no row lookup.
	ch <- pgdriver.Notification{
		Channel: messagesChannel,
		Payload: `{"op":"removed","id":"m1","conversation_id":"c1"}`,
	}
	want := chat.MessageEvent{Op: chat.OpRemoved, Message: chat.Message{ID: "m1", ConversationID: "c1"}}
	if diff := cmp.Diff(want, receive(t, msgs)); diff != "" {
		t.Errorf("message event mismatch (-want +got):\n%s", diff)
	}

	close(ch)
	<-done
	for _, c := range []<-chan chat.ConversationEvent{convs} {
		for range c {
		}
	}
	for range msgs {
	}
}

func TestNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoRows", sql.ErrNoRows, true},
		{"WrappedNoRows", fmt.Errorf("select: %w", sql.ErrNoRows), true},
		{"Other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := notFound(tt.err); got != tt.want {
				t.Errorf("notFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchemaNotifiesChannels(t *testing.T) {
	for _, ch := range []string{messagesChannel, conversationsChannel} {
		if !strings.Contains(schema, fmt.Sprintf("pg_notify('%s'", ch)) {
			t.Errorf("schema does not notify %s", ch)
		}
	}
}
