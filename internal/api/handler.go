// Package api serves the REST side of the chat: room listing, history,
// unseen notifications, balance and operator introspection.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/event"
	"go-pairchat/internal/fanout"
	myMiddleware "go-pairchat/internal/middleware"
	"go-pairchat/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type Rooms interface {
	FindOrCreate(ctx context.Context, a, b string) (*store.Chat, error)
	Chats(ctx context.Context, userID string) ([]store.ChatSummary, error)
}

type Messages interface {
	History(ctx context.Context, roomID, userID string) ([]store.Message, error)
	Unseen(ctx context.Context, userID string) ([]store.Message, error)
}

type Balances interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

type Sessions interface {
	All() []string
}

type Handler struct {
	rooms    Rooms
	messages Messages
	balances Balances
	sessions Sessions
	bus      fanout.Publisher
}

func NewHandler(rooms Rooms, messages Messages, balances Balances, sessions Sessions, bus fanout.Publisher) *Handler {
	return &Handler{rooms: rooms, messages: messages, balances: balances, sessions: sessions, bus: bus}
}

// Routes mounts the user endpoints. Callers wrap them in authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/chats", h.ListChats)
	r.Post("/api/chats", h.StartChat)
	r.Get("/api/chats/{roomID}/messages", h.GetMessages)
	r.Get("/api/notifications", h.ListNotifications)
	r.Get("/api/credits", h.GetCredits)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chats, err := h.rooms.Chats(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": nonNil(chats)})
}

type startChatRequest struct {
	OtherUserID string `json:"otherUserId"`
}

func (h *Handler) StartChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req startChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInvalid, err, "invalid payload"))
		return
	}
	chat, err := h.rooms.FindOrCreate(r.Context(), userID, req.OtherUserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Live sessions of both users join the room, as with the createChat event.
	created := event.New(event.ChatCreated, event.ChatCreatedBody{ChatID: chat.ID, UserID: userID})
	if err := h.bus.Publish(r.Context(), fanout.JoinRoom(chat.ID, []string{userID, req.OtherUserID}, created)); err != nil {
		log.Warn().Err(err).Str("room_id", chat.ID).Msg("publish chatCreated")
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chat.ID, "otherUserId": req.OtherUserID})
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	msgs, err := h.messages.History(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	msgs, err := h.messages.Unseen(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": nonNil(msgs)})
}

func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	balance, err := h.balances.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

// ListSessions is an operator endpoint; mount it behind AdminToken.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	users := h.sessions.All()
	writeJSON(w, http.StatusOK, map[string]any{"users": nonNil(users), "count": len(users)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindNotFound:            http.StatusNotFound,
	apperr.KindForbidden:           http.StatusForbidden,
	apperr.KindInsufficientCredits: http.StatusPaymentRequired,
	apperr.KindConflict:            http.StatusConflict,
	apperr.KindInvalid:             http.StatusBadRequest,
	apperr.KindRateLimited:         http.StatusTooManyRequests,
	apperr.KindTransientIO:         http.StatusServiceUnavailable,
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": apperr.Reason(err), "kind": string(kind)})
}
