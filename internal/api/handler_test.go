package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go-pairchat/internal/event"
	"go-pairchat/internal/fanout"
	"go-pairchat/internal/ledger"
	"go-pairchat/internal/message"
	myMiddleware "go-pairchat/internal/middleware"
	"go-pairchat/internal/payment"
	"go-pairchat/internal/room"
	"go-pairchat/internal/session"
	"go-pairchat/internal/store"
	"go-pairchat/internal/store/memory"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headerValidator treats the bearer token as the user id.
type headerValidator struct{}

func (headerValidator) ValidateToken(token string) (string, string, error) {
	return token, token, nil
}

type recordingConn struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *recordingConn) Send(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) Close() {}

func (c *recordingConn) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type fixture struct {
	router   http.Handler
	rooms    *room.Resolver
	pipeline *message.Pipeline
	sessions *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	for _, id := range []string{"alice", "bob", "carol"} {
		mem.AddUser(store.User{ID: id, Credits: 10})
	}
	sessions := session.New()
	rooms := room.NewResolver(mem)
	l := ledger.New(mem, payment.NewStaticAuthorizer(100))
	bus := fanout.NewLocalBus(sessions)
	pipeline := message.NewPipeline(mem, rooms, l, bus, message.Config{Cost: 2, HistoryLimit: 50})
	h := NewHandler(rooms, pipeline, l, sessions, bus)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(headerValidator{}).Handle)
		h.Routes(r)
	})
	r.With(myMiddleware.AdminToken("admin")).Get("/api/admin/sessions", h.ListSessions)
	return &fixture{router: r, rooms: rooms, pipeline: pipeline, sessions: sessions}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestStartChatAndList(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/chats", "alice", `{"otherUserId":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	chatID := body["chatId"].(string)

	rec, again := f.do(t, http.MethodPost, "/api/chats", "bob", `{"otherUserId":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chatID, again["chatId"])

	_, err := f.pipeline.Send(context.Background(), chatID, "alice", "hello")
	require.NoError(t, err)

	rec, body = f.do(t, http.MethodGet, "/api/chats", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	chats := body["chats"].([]any)
	require.Len(t, chats, 1)
	first := chats[0].(map[string]any)
	assert.Equal(t, "alice", first["otherUserId"])
	assert.Equal(t, "hello", first["lastMessage"].(map[string]any)["content"])
}

func TestStartChat_JoinsLiveSessions(t *testing.T) {
	f := newFixture(t)
	alice, bob := &recordingConn{}, &recordingConn{}
	f.sessions.Register("alice", "a1", alice)
	f.sessions.Register("bob", "b1", bob)

	rec, body := f.do(t, http.MethodPost, "/api/chats", "alice", `{"otherUserId":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, alice.count(event.ChatCreated))
	assert.Equal(t, 1, bob.count(event.ChatCreated))

	_, err := f.pipeline.Send(context.Background(), body["chatId"].(string), "alice", "hi")
	require.NoError(t, err)

	assert.Equal(t, 1, alice.count(event.MessageCreated))
	assert.Equal(t, 1, bob.count(event.MessageCreated))
	assert.Zero(t, bob.count(event.Notification))
}

func TestStartChat_Errors(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/chats", "alice", `{"otherUserId":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid", body["kind"])

	rec, _ = f.do(t, http.MethodPost, "/api/chats", "alice", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/chats", "alice", `{"otherUserId":"zed"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/chats", "", `{"otherUserId":"bob"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessagesAndNotifications(t *testing.T) {
	f := newFixture(t)
	chat, err := f.rooms.FindOrCreate(context.Background(), "alice", "bob")
	require.NoError(t, err)
	_, err = f.pipeline.Send(context.Background(), chat.ID, "alice", "one")
	require.NoError(t, err)
	_, err = f.pipeline.Send(context.Background(), chat.ID, "alice", "two")
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].(map[string]any)["content"])

	rec, _ = f.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", "carol", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/notifications", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["notifications"].([]any), 2)

	rec, body = f.do(t, http.MethodGet, "/api/notifications", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["notifications"].([]any))

	rec, body = f.do(t, http.MethodGet, "/api/credits", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(6), body["balance"])
}

func TestListSessions_AdminOnly(t *testing.T) {
	f := newFixture(t)
	f.sessions.Register("alice", "c1", nil)

	rec, _ := f.do(t, http.MethodGet, "/api/admin/sessions", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
	req.Header.Set("X-Admin-Token", "admin")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":["alice"],"count":1}`, rec.Body.String())
}
