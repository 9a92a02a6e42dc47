package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned by Presence while it is marked unreachable.
var ErrUnavailable = errors.New("presence store unavailable")

// Presence is an ephemeral presence keyspace with expiring keys.
type Presence struct {
	mu       sync.Mutex
	down     bool
	gen      uint64
	keys     map[string]presenceKey
	watchers map[string]map[*subscriber[bool]]struct{}
}

type presenceKey struct {
	token string
	gen   uint64
	timer *time.Timer
}

// NewPresence returns an empty keyspace.
func NewPresence() *Presence {
	return &Presence{
		keys:     make(map[string]presenceKey),
		watchers: make(map[string]map[*subscriber[bool]]struct{}),
	}
}

// SetDown makes the store unreachable for Ping and writes. Keys keep
// expiring while the store is down.
func (p *Presence) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// Ping implements chat.PresenceStore.
func (p *Presence) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return ErrUnavailable
	}
	return nil
}

// SetOnline implements chat.PresenceStore.
func (p *Presence) SetOnline(_ context.Context, userID, token string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return ErrUnavailable
	}
	k, existed := p.keys[userID]
	if existed {
		k.timer.Stop()
	}
	p.gen++
	gen := p.gen
	timer := time.AfterFunc(ttl, func() { p.expire(userID, gen) })
	p.keys[userID] = presenceKey{token: token, gen: gen, timer: timer}
	if !existed {
		p.notifyLocked(userID, true)
	}
	return nil
}

// Retract implements chat.PresenceStore.
func (p *Presence) Retract(_ context.Context, userID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return ErrUnavailable
	}
	k, ok := p.keys[userID]
	if !ok || k.token != token {
		return nil
	}
	k.timer.Stop()
	delete(p.keys, userID)
	p.notifyLocked(userID, false)
	return nil
}

// Online implements chat.PresenceStore.
func (p *Presence) Online(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return false, ErrUnavailable
	}
	_, ok := p.keys[userID]
	return ok, nil
}

// Watch implements chat.PresenceReader.
func (p *Presence) Watch(ctx context.Context, userID string) (<-chan bool, error) {
	s := newSubscriber[bool]()
	p.mu.Lock()
	if p.watchers[userID] == nil {
		p.watchers[userID] = make(map[*subscriber[bool]]struct{})
	}
	p.watchers[userID][s] = struct{}{}
	_, online := p.keys[userID]
	s.push(online)
	p.mu.Unlock()

	go func() {
		s.pump(ctx)
		p.mu.Lock()
		delete(p.watchers[userID], s)
		p.mu.Unlock()
	}()
	return s.out, nil
}

// Watchers returns the number of live presence watches.
func (p *Presence) Watchers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.watchers {
		n += len(m)
	}
	return n
}

// expire deletes the key of userID if it was last written by the SetOnline
// call that armed generation gen.
func (p *Presence) expire(userID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[userID]
	if !ok || k.gen != gen {
		return
	}
	delete(p.keys, userID)
	p.notifyLocked(userID, false)
}

func (p *Presence) notifyLocked(userID string, online bool) {
	for s := range p.watchers[userID] {
		s.push(online)
	}
}
