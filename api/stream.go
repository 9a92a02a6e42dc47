package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matchu/matchchat/chat"
)

const (
	writeWait = 10 * time.Second
	// Clients only answer pings and close; anything larger is a protocol error.
	maxMessageSize = 512
)

// A frame is one JSON message pushed to a websocket client.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (a *API) keepAlive() time.Duration {
	if a.KeepAlive > 0 {
		return a.KeepAlive
	}
	return 15 * time.Second
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(a.AllowedOrigins) == 0 || slices.Contains(a.AllowedOrigins, "*") {
		return true
	}
	return slices.ContainsFunc(a.AllowedOrigins, func(o string) bool { return strings.EqualFold(o, origin) })
}

// A stream is the server end of a live websocket view. The handler
// goroutine is its only writer.
type stream struct {
	conn     *websocket.Conn
	interval time.Duration
	gone     chan struct{}
}

// upgrade switches the connection to the websocket protocol. The upgrader
// has already replied to the client when it fails.
func (a *API) upgrade(w http.ResponseWriter, r *http.Request) (*stream, bool) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn("Could not upgrade connection", "path", r.URL.Path, "error", err.Error())
		return nil, false
	}
	s := &stream{conn: conn, interval: a.keepAlive(), gone: make(chan struct{})}
	go s.readPump()
	return s, true
}

// readPump consumes control frames until the client goes away or stops
// answering pings.
func (s *stream) readPump() {
	defer close(s.gone)
	pongWait := s.interval + writeWait
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *stream) send(typ string, v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame{Type: typ, Data: v})
}

func (s *stream) ping() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// close says goodbye to the client and waits for the read side to stop.
func (s *stream) close() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = s.conn.Close()
	<-s.gone
}

// openSession logs a new session in as userID and registers it for logout.
func (a *API) openSession(ctx context.Context, userID string) (*chat.Session, error) {
	s := a.Chat.NewSession()
	if err := s.Login(ctx, userID); err != nil {
		s.Close()
		return nil, err
	}
	a.mu.Lock()
	if a.sessions == nil {
		a.sessions = make(map[string]map[*chat.Session]struct{})
	}
	if a.sessions[userID] == nil {
		a.sessions[userID] = make(map[*chat.Session]struct{})
	}
	a.sessions[userID][s] = struct{}{}
	a.mu.Unlock()
	return s, nil
}

// closeSession closes s before unregistering it, so a count of zero means
// every session of the user is fully closed.
func (a *API) closeSession(userID string, s *chat.Session) {
	s.Close()
	a.mu.Lock()
	delete(a.sessions[userID], s)
	if len(a.sessions[userID]) == 0 {
		delete(a.sessions, userID)
	}
	a.mu.Unlock()
}

// Sessions returns the number of open streaming sessions of userID.
func (a *API) Sessions(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions[userID])
}

func (a *API) streamConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := r.PathValue("conversationID")
	userID := r.URL.Query().Get("user_id")
	if err := a.participant(ctx, convID, userID); err != nil {
		a.respondChatError(w, err, "Could not open conversation")
		return
	}

	s, err := a.openSession(ctx, userID)
	if err != nil {
		a.respondChatError(w, err, "Could not open session")
		return
	}
	defer a.closeSession(userID, s)

	room, err := s.OpenConversation(ctx, convID)
	if err != nil {
		a.respondChatError(w, err, "Could not open conversation")
		return
	}
	defer room.Close()

	ws, ok := a.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.close()
	loc := a.location(r)
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.gone:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		case snap, ok := <-room.Updates():
			if !ok {
				return
			}
			if err := ws.send("snapshot", renderSnapshot(snap, a.now(), loc)); err != nil {
				a.Logger.Warn("Could not write frame", "conversation_id", convID, "error", err.Error())
				return
			}
		}
	}
}

func (a *API) streamUser(w http.ResponseWriter, r *http.Request) {
	type (
		matched struct {
			Matched bool `json:"matched"`
		}
		presence struct {
			State string `json:"state"`
		}
	)

	ctx := r.Context()
	userID := r.PathValue("userID")
	s, err := a.openSession(ctx, userID)
	if err != nil {
		a.respondChatError(w, err, "Could not open session")
		return
	}
	defer a.closeSession(userID, s)

	list, err := s.Conversations(ctx)
	if err != nil {
		a.respondChatError(w, err, "Could not list conversations")
		return
	}
	defer list.Close()
	sig, err := s.HasMatch(ctx)
	if err != nil {
		a.respondChatError(w, err, "Could not check matches")
		return
	}
	defer sig.Close()
	states, stop := s.Presence().WatchState()
	defer stop()

	ws, ok := a.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.close()
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-ws.gone:
			return
		case <-ticker.C:
			err = ws.ping()
		case snap, ok := <-list.Updates():
			if !ok {
				return
			}
			err = ws.send("conversations", renderConversations(snap))
		case v, ok := <-sig.Updates():
			if !ok {
				return
			}
			err = ws.send("matched", matched{Matched: v})
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			err = ws.send("presence", presence{State: st.String()})
		}
		if err != nil {
			a.Logger.Warn("Could not write frame", "user_id", userID, "error", err.Error())
			return
		}
	}
}
