package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// A watcher holds the latest presence value not yet read by its consumer.
type watcher struct {
	out  chan bool
	seen bool
}

// set replaces any unread value. Callers hold r.mu.
func (w *watcher) set(online bool) {
	w.seen = true
	select {
	case <-w.out:
	default:
	}
	w.out <- online
}

func (r *Redis) keyspacePrefix() string {
	return fmt.Sprintf("__keyspace@%d__:%s:presence:", r.db, r.prefix)
}

// Watch returns the presence of userID followed by every change. Only the
// latest value is kept for a slow reader. The channel is closed once ctx is
// done.
func (r *Redis) Watch(ctx context.Context, userID string) (<-chan bool, error) {
	if err := r.subscribe(ctx); err != nil {
		return nil, err
	}
	w := &watcher{out: make(chan bool, 1)}
	r.mu.Lock()
	if r.watchers[userID] == nil {
		r.watchers[userID] = make(map[*watcher]struct{})
	}
	r.watchers[userID][w] = struct{}{}
	r.mu.Unlock()

	online, err := r.Online(ctx, userID)
	if err != nil {
		r.unwatch(userID, w)
		return nil, err
	}
	r.mu.Lock()
	if _, ok := r.watchers[userID][w]; ok && !w.seen {
		w.set(online)
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unwatch(userID, w)
	}()
	return w.out, nil
}

func (r *Redis) unwatch(userID string, w *watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watchers[userID][w]; !ok {
		return
	}
	delete(r.watchers[userID], w)
	if len(r.watchers[userID]) == 0 {
		delete(r.watchers, userID)
	}
	close(w.out)
}

// subscribe starts the shared keyspace subscription on first use.
func (r *Redis) subscribe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}
	ps := r.cli.PSubscribe(context.Background(), r.keyspacePrefix()+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("psubscribe: %w", err)
	}
	r.pubsub = ps
	go r.dispatch(ps.Channel())
	return nil
}

func (r *Redis) dispatch(ch <-chan *redis.Message) {
	prefix := r.keyspacePrefix()
	for msg := range ch {
		var online bool
		switch msg.Payload {
		case "set", "expire":
			online = true
		case "del", "expired", "evicted":
			online = false
		default:
			continue
		}
		userID := strings.TrimPrefix(msg.Channel, prefix)
		r.mu.Lock()
		for w := range r.watchers[userID] {
			w.set(online)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, ws := range r.watchers {
		for w := range ws {
			close(w.out)
		}
		delete(r.watchers, userID)
	}
}
