package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection state of a presence session.
type State int

// Presence session states.
const (
	Disconnected State = iota
	Connecting
	Online
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	}
	return "disconnected"
}

// Default presence timings.
const (
	DefaultPresenceTTL = 30 * time.Second
	DefaultHeartbeat   = 10 * time.Second
)

// A Tracker publishes the presence of one authenticated session. The
// presence key carries a TTL, so the store retracts it by itself when the
// session stops refreshing it.
type Tracker struct {
	Logger *slog.Logger
	Store  PresenceStore
	// TTL is how long the key outlives the last heartbeat.
	TTL time.Duration
	// Heartbeat is the interval between connection probes.
	Heartbeat time.Duration

	mu       sync.Mutex
	state    State
	userID   string
	token    string
	cancel   context.CancelFunc
	done     chan struct{}
	watchers map[chan State]struct{}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UserID returns the user of the running session, if any.
func (t *Tracker) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// Start begins a session for userID. A running session is stopped first.
func (t *Tracker) Start(userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}
	t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.userID = userID
	t.token = uuid.NewString()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.setStateLocked(Connecting)
	done, token := t.done, t.token
	t.mu.Unlock()

	go t.run(ctx, done, userID, token)
	return nil
}

// Stop ends the session as if the connection dropped. The presence key is
// left to the store, which removes it once the TTL lapses.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	t.mu.Lock()
	t.setStateLocked(Disconnected)
	t.mu.Unlock()
}

// Logout ends the session and deletes the presence key right away. Only a
// key still owned by this session is deleted.
func (t *Tracker) Logout(ctx context.Context) error {
	t.mu.Lock()
	userID, token := t.userID, t.token
	t.mu.Unlock()

	t.Stop()
	if userID == "" {
		return nil
	}

	t.mu.Lock()
	t.userID, t.token = "", ""
	t.mu.Unlock()

	if err := t.Store.Retract(ctx, userID, token); err != nil {
		return fmt.Errorf("retract presence: %w", err)
	}
	t.Logger.Info("Presence retracted", "user_id", userID)
	return nil
}

// WatchState returns a channel of state changes starting with the current
// state, and a function releasing it. Releasing the watch leaves the session
// running.
func (t *Tracker) WatchState() (<-chan State, func()) {
	ch := make(chan State, 1)
	t.mu.Lock()
	if t.watchers == nil {
		t.watchers = make(map[chan State]struct{})
	}
	t.watchers[ch] = struct{}{}
	ch <- t.state
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	for ch := range t.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (t *Tracker) run(ctx context.Context, done chan struct{}, userID, token string) {
	defer close(done)

	heartbeat := t.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	ttl := t.TTL
	if ttl <= heartbeat {
		ttl = 3 * heartbeat
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		t.beat(ctx, userID, token, ttl)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// beat probes the connection and republishes the key while connected.
func (t *Tracker) beat(ctx context.Context, userID, token string, ttl time.Duration) {
	if err := t.Store.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		was := t.state
		t.setStateLocked(Connecting)
		t.mu.Unlock()
		if was == Online {
			t.Logger.Warn("Presence connection lost", "user_id", userID, "error", err.Error())
		}
		return
	}

	if err := t.Store.SetOnline(ctx, userID, token, ttl); err != nil {
		if ctx.Err() == nil {
			t.Logger.Error("Could not publish presence", "user_id", userID, "error", err.Error())
		}
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// A concurrent Stop may have cancelled the session after the write.
	if ctx.Err() != nil {
		return
	}
	if t.state != Online {
		t.Logger.Info("Presence online", "user_id", userID)
	}
	t.setStateLocked(Online)
}
