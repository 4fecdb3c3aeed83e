package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"go-pairchat/internal/event"
	"go-pairchat/internal/fanout"
	"go-pairchat/internal/ledger"
	"go-pairchat/internal/message"
	"go-pairchat/internal/payment"
	"go-pairchat/internal/presence"
	"go-pairchat/internal/room"
	"go-pairchat/internal/session"
	"go-pairchat/internal/store"
	"go-pairchat/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCard = "4242424242424242"

type fakeConn struct {
	mu     sync.Mutex
	events []event.Event
	closed atomic.Bool
}

func (c *fakeConn) Send(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() { c.closed.Store(true) }

func (c *fakeConn) named(name string) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) lastError(t *testing.T) event.ErrorBody {
	t.Helper()
	errs := c.named(event.Error)
	require.NotEmpty(t, errs)
	var body event.ErrorBody
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Data, &body))
	return body
}

type stack struct {
	mem        *memory.Store
	sessions   *session.Store
	rooms      *room.Resolver
	dispatcher *Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	mem := memory.New()
	mem.AddUser(store.User{ID: "alice", Credits: 10})
	mem.AddUser(store.User{ID: "bob", Credits: 1})
	mem.AddUser(store.User{ID: "carol", Credits: 10})

	sessions := session.New()
	bus := fanout.NewLocalBus(sessions)
	rooms := room.NewResolver(mem)
	l := ledger.New(mem, payment.NewStaticAuthorizer(100, testCard))
	pipeline := message.NewPipeline(mem, rooms, l, bus, message.Config{Cost: 2, HistoryLimit: 50})
	d := NewDispatcher(sessions, presence.NewTracker(mem, sessions), rooms, pipeline, l, bus)
	return &stack{mem: mem, sessions: sessions, rooms: rooms, dispatcher: d}
}

func (s *stack) connect(userID, connID string) (session.Session, *fakeConn) {
	c := &fakeConn{}
	return s.dispatcher.Connect(context.Background(), userID, connID, c), c
}

func (s *stack) send(sess session.Session, name string, payload any) {
	s.dispatcher.Dispatch(context.Background(), sess, event.New(name, payload))
}

func (s *stack) status(t *testing.T, userID string) store.Status {
	t.Helper()
	u, err := s.mem.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Status
}

func TestCreateChatThenMessage(t *testing.T) {
	s := newStack(t)
	a, aConn := s.connect("alice", "a1")
	_, bConn := s.connect("bob", "b1")

	s.send(a, event.CreateChat, event.CreateChatPayload{UserID: "alice", OtherUserID: "bob"})

	created := bConn.named(event.ChatCreated)
	require.Len(t, created, 1)
	var body event.ChatCreatedBody
	require.NoError(t, json.Unmarshal(created[0].Data, &body))
	assert.Equal(t, "alice", body.UserID)
	assert.Len(t, aConn.named(event.ChatCreated), 1)

	s.send(a, event.NewMessage, event.NewMessagePayload{RoomID: body.ChatID, Content: "hi"})

	assert.Len(t, bConn.named(event.MessageCreated), 1)
	assert.Empty(t, bConn.named(event.Notification))
	deduct := aConn.named(event.Deduct)
	require.Len(t, deduct, 1)
	assert.JSONEq(t, `{"balance":8}`, string(deduct[0].Data))
	assert.Empty(t, aConn.named(event.Error))
}

func TestNewMessage_InsufficientCreditsOnlyErrorsSender(t *testing.T) {
	s := newStack(t)
	chat, err := s.rooms.FindOrCreate(context.Background(), "alice", "bob")
	require.NoError(t, err)
	_, aConn := s.connect("alice", "a1")
	b, bConn := s.connect("bob", "b1")

	s.send(b, event.NewMessage, event.NewMessagePayload{RoomID: chat.ID, Content: "hi"})

	assert.Equal(t, event.ErrorBody{Event: event.NewMessage, Kind: "InsufficientCredits", Reason: "balance 1 is below 2"}, bConn.lastError(t))
	assert.Empty(t, bConn.named(event.Deduct))
	assert.Empty(t, aConn.events)
}

func TestCreateChat_OnBehalfOfOtherIsForbidden(t *testing.T) {
	s := newStack(t)
	a, aConn := s.connect("alice", "a1")

	s.send(a, event.CreateChat, event.CreateChatPayload{UserID: "carol", OtherUserID: "bob"})

	assert.Equal(t, "Forbidden", aConn.lastError(t).Kind)
}

func TestConnect_RejoinsExistingRooms(t *testing.T) {
	s := newStack(t)
	chat, err := s.rooms.FindOrCreate(context.Background(), "alice", "bob")
	require.NoError(t, err)

	s.connect("alice", "a1")

	got, ok := s.sessions.Lookup("alice")
	require.True(t, ok)
	assert.True(t, got.Joined(chat.ID))
	assert.Equal(t, store.StatusOnline, s.status(t, "alice"))
}

func TestReconnect_EvictsAndStaysOnline(t *testing.T) {
	s := newStack(t)
	_, first := s.connect("alice", "a1")
	_, second := s.connect("alice", "a2")

	assert.True(t, first.closed.Load())
	assert.False(t, second.closed.Load())

	// The evicted connection's pumps exit and report a disconnect.
	s.dispatcher.Disconnect(context.Background(), "alice", "a1")
	assert.Equal(t, store.StatusOnline, s.status(t, "alice"))

	s.dispatcher.Disconnect(context.Background(), "alice", "a2")
	assert.Equal(t, store.StatusOffline, s.status(t, "alice"))
}

func TestMarkAsSeenAndNotificationSeen(t *testing.T) {
	s := newStack(t)
	chat, err := s.rooms.FindOrCreate(context.Background(), "alice", "bob")
	require.NoError(t, err)
	a, aConn := s.connect("alice", "a1")
	b, _ := s.connect("bob", "b1")
	s.send(a, event.NewMessage, event.NewMessagePayload{RoomID: chat.ID, Content: "hi"})

	s.send(b, event.MarkAsSeen, event.SeenPayload{RoomID: chat.ID, CounterpartID: "alice"})
	s.send(b, event.NotificationSeen, event.SeenPayload{RoomID: chat.ID, CounterpartID: "alice"})

	require.Len(t, aConn.named(event.MessageSeen), 1)
	require.Len(t, aConn.named(event.MessageSeen1), 1)
	assert.JSONEq(t, `{"senderId":"alice","message":"SEEN"}`, string(aConn.named(event.MessageSeen)[0].Data))
}

func TestAddCredit(t *testing.T) {
	s := newStack(t)
	b, bConn := s.connect("bob", "b1")

	s.send(b, event.AddCredit, event.AddCreditPayload{PaymentToken: testCard})
	s.send(b, event.AddCredit, event.AddCreditPayload{PaymentToken: "declined"})

	added := bConn.named(event.CreditAdded)
	require.Len(t, added, 1)
	assert.JSONEq(t, `{"balance":101}`, string(added[0].Data))
	assert.Equal(t, "Forbidden", bConn.lastError(t).Kind)
}

func TestDispatch_UnknownAndMalformed(t *testing.T) {
	s := newStack(t)
	a, aConn := s.connect("alice", "a1")

	s.dispatcher.Dispatch(context.Background(), a, event.Event{Name: "dance"})
	assert.Equal(t, event.ErrorBody{Event: "dance", Kind: "Invalid", Reason: `unknown event "dance"`}, aConn.lastError(t))

	s.dispatcher.Dispatch(context.Background(), a, event.Event{Name: event.NewMessage, Data: json.RawMessage(`[1,2]`)})
	assert.Equal(t, "Invalid", aConn.lastError(t).Kind)
}

func TestDispatch_ReplacedSessionIsIgnored(t *testing.T) {
	s := newStack(t)
	old, first := s.connect("bob", "b1")
	_, second := s.connect("bob", "b2")

	s.send(old, event.AddCredit, event.AddCreditPayload{PaymentToken: testCard})

	assert.Empty(t, first.events)
	assert.Empty(t, second.events)
	u, err := s.mem.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Credits)
}

// memOwners is an in-process owner registry shared by several dispatchers.
type memOwners struct {
	mu    sync.Mutex
	gen   map[string]uint64
	owner map[string]string
}

func newMemOwners() *memOwners {
	return &memOwners{gen: make(map[string]uint64), owner: make(map[string]string)}
}

func (o *memOwners) Claim(_ context.Context, userID, connID string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen[userID]++
	o.owner[userID] = connID
	return o.gen[userID], nil
}

func (o *memOwners) Release(_ context.Context, userID, connID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owner[userID] != connID {
		return o.owner[userID] == "", nil
	}
	o.owner[userID] = ""
	return true, nil
}

func (o *memOwners) Live(_ context.Context, userID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner[userID] != "", nil
}

// clusterBus delivers every envelope on every instance, like the redis relay.
type clusterBus struct {
	locals []*fanout.LocalBus
}

func (b *clusterBus) Publish(_ context.Context, env fanout.Envelope) error {
	for _, l := range b.locals {
		l.Deliver(env)
	}
	return nil
}

type instance struct {
	sessions   *session.Store
	dispatcher *Dispatcher
}

func (in *instance) connect(userID, connID string) (session.Session, *fakeConn) {
	c := &fakeConn{}
	return in.dispatcher.Connect(context.Background(), userID, connID, c), c
}

func newCluster(t *testing.T) (*memory.Store, *memOwners, *instance, *instance) {
	t.Helper()
	mem := memory.New()
	mem.AddUser(store.User{ID: "alice", Credits: 10})
	mem.AddUser(store.User{ID: "bob", Credits: 10})
	owners := newMemOwners()
	bus := &clusterBus{}

	build := func() *instance {
		sessions := session.New()
		bus.locals = append(bus.locals, fanout.NewLocalBus(sessions))
		rooms := room.NewResolver(mem)
		l := ledger.New(mem, payment.NewStaticAuthorizer(100, testCard))
		pipeline := message.NewPipeline(mem, rooms, l, bus, message.Config{Cost: 2, HistoryLimit: 50})
		tracker := presence.NewTracker(mem, sessions, presence.WithOwners(owners))
		return &instance{
			sessions:   sessions,
			dispatcher: NewDispatcher(sessions, tracker, rooms, pipeline, l, bus, WithOwners(owners)),
		}
	}
	return mem, owners, build(), build()
}

func userStatus(t *testing.T, mem *memory.Store, userID string) store.Status {
	t.Helper()
	u, err := mem.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Status
}

func TestConnect_EvictsSessionOnOtherInstance(t *testing.T) {
	mem, _, a, b := newCluster(t)
	ctx := context.Background()

	oldSess, first := a.connect("alice", "a1")
	_, second := b.connect("alice", "b1")

	assert.True(t, first.closed.Load())
	assert.False(t, second.closed.Load())
	_, onA := a.sessions.Lookup("alice")
	assert.False(t, onA)
	_, onB := b.sessions.Lookup("alice")
	assert.True(t, onB)

	// The evicted socket's pumps report in late; presence must not flip.
	a.dispatcher.Disconnect(ctx, "alice", "a1")
	assert.Equal(t, store.StatusOnline, userStatus(t, mem, "alice"))

	// Frames still in flight on the evicted socket are ignored.
	a.dispatcher.Dispatch(ctx, oldSess, event.New(event.AddCredit, event.AddCreditPayload{PaymentToken: testCard}))
	assert.Empty(t, first.events)

	// Room traffic reaches only the live session.
	bobSess, _ := a.connect("bob", "a2")
	a.dispatcher.Dispatch(ctx, bobSess, event.New(event.CreateChat, event.CreateChatPayload{UserID: "bob", OtherUserID: "alice"}))
	created := second.named(event.ChatCreated)
	require.Len(t, created, 1)
	var body event.ChatCreatedBody
	require.NoError(t, json.Unmarshal(created[0].Data, &body))
	a.dispatcher.Dispatch(ctx, bobSess, event.New(event.NewMessage, event.NewMessagePayload{RoomID: body.ChatID, Content: "hi"}))
	assert.Len(t, second.named(event.MessageCreated), 1)
	assert.Empty(t, first.named(event.MessageCreated))

	b.dispatcher.Disconnect(ctx, "alice", "b1")
	assert.Equal(t, store.StatusOffline, userStatus(t, mem, "alice"))
}

func TestDisconnect_NewerClaimElsewhereKeepsOnline(t *testing.T) {
	mem, owners, a, _ := newCluster(t)
	ctx := context.Background()
	a.connect("alice", "a1")

	// A newer connection claimed alice but its announcement never arrived.
	_, err := owners.Claim(ctx, "alice", "elsewhere")
	require.NoError(t, err)

	a.dispatcher.Disconnect(ctx, "alice", "a1")

	_, ok := a.sessions.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, store.StatusOnline, userStatus(t, mem, "alice"))
}
