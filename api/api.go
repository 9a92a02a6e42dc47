// Package api exposes the chat over HTTP. Live views are pushed over
// websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matchu/matchchat/api/validator"
	"github.com/matchu/matchchat/chat"
)

// A DB provides the durable records that endpoints read and write directly.
type DB interface {
	Conversation(ctx context.Context, id string) (chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	CreateConversation(ctx context.Context, a, b string) (chat.Conversation, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	PutProfile(ctx context.Context, p chat.Profile) error
}

// API provides the REST endpoints for the application.
type API struct {
	Logger *slog.Logger
	DB     DB
	Chat   *chat.Engine
	Val    *validator.Validator
	// MaxImageBytes bounds image uploads. It defaults to 10 MiB.
	MaxImageBytes int64
	// KeepAlive is the interval of websocket pings. It defaults to 15s.
	KeepAlive time.Duration
	// AllowedOrigins restricts the browser origins of websocket upgrades.
	// Empty or "*" allows any origin.
	AllowedOrigins []string
	// Now is the clock of date headers. It defaults to time.Now.
	Now func() time.Time

	once sync.Once
	mux  *http.ServeMux

	mu       sync.Mutex
	sessions map[string]map[*chat.Session]struct{}
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /conversations", a.createConversation)
	mux.HandleFunc("GET /conversations/{conversationID}/messages", a.listMessages)
	mux.HandleFunc("POST /conversations/{conversationID}/messages", a.sendMessage)
	mux.HandleFunc("DELETE /conversations/{conversationID}/messages/{messageID}", a.deleteMessage)
	mux.HandleFunc("POST /conversations/{conversationID}/images", a.sendImage)
	mux.HandleFunc("POST /conversations/{conversationID}/read", a.markRead)
	mux.HandleFunc("GET /conversations/{conversationID}/stream", a.streamConversation)

	mux.HandleFunc("PUT /users/{userID}/profile", a.putProfile)
	mux.HandleFunc("GET /users/{userID}/conversations", a.listConversations)
	mux.HandleFunc("GET /users/{userID}/stream", a.streamUser)
	mux.HandleFunc("GET /users/{userID}/matched", a.matched)
	mux.HandleFunc("GET /users/{userID}/presence", a.presence)
	mux.HandleFunc("POST /users/{userID}/logout", a.logout)

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, response{Error: msg})
}

// respondChatError maps chat errors to their HTTP status.
func (a *API) respondChatError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, chat.ErrInvalidConversation):
		status = http.StatusBadRequest
	}
	a.respondError(w, status, err, msg)
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, s any) bool {
	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	if err := r.Body.Close(); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return false
	}
	return a.validateBody(w, s)
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// location returns the time zone named by the tz query parameter. Unknown
// or missing zones fall back to UTC.
func (a *API) location(r *http.Request) *time.Location {
	name := r.URL.Query().Get("tz")
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		a.Logger.Warn("Unknown time zone", "tz", name)
		return time.UTC
	}
	return loc
}

func (a *API) createConversation(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ParticipantIDs []string `json:"participant_ids" validate:"len=2,dive,notblank"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	conv, err := a.DB.CreateConversation(r.Context(), body.ParticipantIDs[0], body.ParticipantIDs[1])
	if err != nil {
		a.respondChatError(w, err, "Could not create conversation")
		return
	}
	a.respond(w, http.StatusCreated, conv)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages []Message `json:"messages"`
	}

	msgs, err := a.DB.ListMessages(r.Context(), r.PathValue("conversationID"))
	if err != nil {
		a.respondChatError(w, err, "Could not list messages")
		return
	}
	a.respond(w, http.StatusOK, response{
		Messages: renderMessages(msgs, a.now(), a.location(r)),
	})
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		SenderID string `json:"sender_id" validate:"required"`
		Text     string `json:"text" validate:"notblank,max=4000"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	msg, err := a.Chat.Messages.SendText(r.Context(), r.PathValue("conversationID"), body.SenderID, body.Text)
	if err != nil && msg.ID == "" {
		a.respondChatError(w, err, "Could not send message")
		return
	}
	if err != nil {
		a.Logger.Error("Could not update conversation summary", "message_id", msg.ID, "error", err.Error())
	}
	a.respond(w, http.StatusCreated, msg)
}

func (a *API) sendImage(w http.ResponseWriter, r *http.Request) {
	senderID := r.URL.Query().Get("sender_id")
	if senderID == "" {
		a.respondChatError(w, chat.ErrNotAuthenticated, "Missing sender_id")
		return
	}

	limit := a.MaxImageBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.respondError(w, http.StatusRequestEntityTooLarge, err, "Image too large")
			return
		}
		a.respondError(w, http.StatusBadRequest, err, "Could not read request body")
		return
	}
	if len(data) == 0 {
		a.respondChatError(w, chat.ErrEmptyMessage, "Empty image")
		return
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		a.respondError(w, http.StatusUnsupportedMediaType, errors.New("not an image: "+mt.String()), "Body is not an image")
		return
	}

	msg, err := a.Chat.Messages.SendImage(r.Context(), r.PathValue("conversationID"), senderID, data)
	if err != nil && msg.ID == "" {
		a.respondChatError(w, err, "Could not send image")
		return
	}
	if err != nil {
		a.Logger.Error("Could not update conversation summary", "message_id", msg.ID, "error", err.Error())
	}
	a.respond(w, http.StatusCreated, msg)
}

// participant loads a conversation and checks that userID takes part in it.
func (a *API) participant(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		return chat.ErrNotAuthenticated
	}
	conv, err := a.DB.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return chat.ErrNotParticipant
	}
	return nil
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	type request struct {
		UserID string `json:"user_id" validate:"required"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	convID := r.PathValue("conversationID")
	if err := a.participant(r.Context(), convID, body.UserID); err != nil {
		a.respondChatError(w, err, "Could not mark conversation as read")
		return
	}
	if err := a.Chat.Summaries.OnOpenConversation(r.Context(), convID, body.UserID); err != nil {
		a.respondChatError(w, err, "Could not mark conversation as read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversationID")
	if err := a.DB.DeleteMessage(r.Context(), convID, r.PathValue("messageID")); err != nil {
		a.respondChatError(w, err, "Could not delete message")
		return
	}
	if err := a.Chat.Summaries.Recompute(r.Context(), convID); err != nil {
		a.Logger.Error("Could not recompute conversation summary", "conversation_id", convID, "error", err.Error())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) putProfile(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Name       string   `json:"name" validate:"max=100"`
		AvatarURLs []string `json:"avatar_urls" validate:"dive,url"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	p := chat.Profile{
		ID:         r.PathValue("userID"),
		Name:       strings.TrimSpace(body.Name),
		AvatarURLs: body.AvatarURLs,
	}
	if p.AvatarURLs == nil {
		p.AvatarURLs = []string{}
	}
	if err := a.DB.PutProfile(r.Context(), p); err != nil {
		a.respondChatError(w, err, "Could not save profile")
		return
	}
	a.respond(w, http.StatusOK, p)
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := a.Chat.Conversations.List(r.Context(), r.PathValue("userID"))
	if err != nil {
		a.respondChatError(w, err, "Could not list conversations")
		return
	}
	a.respond(w, http.StatusOK, renderConversations(chat.ConversationsSnapshot{Conversations: list}))
}

func (a *API) matched(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Matched bool `json:"matched"`
	}

	sig, err := a.Chat.Conversations.HasAnyConversation(r.Context(), r.PathValue("userID"))
	if err != nil {
		a.respondChatError(w, err, "Could not check matches")
		return
	}
	defer sig.Close()

	select {
	case v := <-sig.Updates():
		a.respond(w, http.StatusOK, response{Matched: v})
	case <-r.Context().Done():
	}
}

func (a *API) presence(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Online bool `json:"online"`
	}

	online, err := a.Chat.Presence.Online(r.Context(), r.PathValue("userID"))
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not read presence")
		return
	}
	a.respond(w, http.StatusOK, response{Online: online})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	a.mu.Lock()
	sessions := make([]*chat.Session, 0, len(a.sessions[userID]))
	for s := range a.sessions[userID] {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.Logout(r.Context()); err != nil {
			a.Logger.Warn("Could not retract presence", "user_id", userID, "error", err.Error())
		}
	}
	a.Logger.Info("Logged out", "user_id", userID, "sessions", len(sessions))
	w.WriteHeader(http.StatusNoContent)
}
