package presence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/event"
	"go-pairchat/internal/session"
	"go-pairchat/internal/store"
	"go-pairchat/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Send(event.Event) error { return nil }
func (nopConn) Close()                 {}

// recordingWriter wraps the memory store and records every status write.
type recordingWriter struct {
	*memory.Store
	mu      sync.Mutex
	writes  []store.Status
	onWrite func(store.Status)
}

func (w *recordingWriter) UpdateUserStatus(ctx context.Context, userID string, status store.Status) error {
	w.mu.Lock()
	w.writes = append(w.writes, status)
	hook := w.onWrite
	w.mu.Unlock()
	if err := w.Store.UpdateUserStatus(ctx, userID, status); err != nil {
		return err
	}
	if hook != nil {
		hook(status)
	}
	return nil
}

func newFixture(t *testing.T) (*recordingWriter, *session.Store, *Tracker) {
	t.Helper()
	mem := memory.New()
	mem.AddUser(store.User{ID: "alice"})
	w := &recordingWriter{Store: mem}
	sessions := session.New()
	return w, sessions, NewTracker(w, sessions)
}

func statusOf(t *testing.T, w *recordingWriter, userID string) store.Status {
	t.Helper()
	u, err := w.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Status
}

func TestConnectThenDisconnect(t *testing.T) {
	w, sessions, tr := newFixture(t)
	ctx := context.Background()

	sessions.Register("alice", "c1", nopConn{})
	require.NoError(t, tr.OnConnected(ctx, "alice"))
	assert.Equal(t, store.StatusOnline, statusOf(t, w, "alice"))

	require.True(t, sessions.Unregister("alice", "c1"))
	require.NoError(t, tr.OnDisconnected(ctx, "alice"))
	assert.Equal(t, store.StatusOffline, statusOf(t, w, "alice"))
}

// A reconnect followed by the old connection's disconnect never writes
// OFFLINE: the stale unregister fails and the tracker is not called.
func TestReconnect_NeverWritesOffline(t *testing.T) {
	w, sessions, tr := newFixture(t)
	ctx := context.Background()

	sessions.Register("alice", "c1", nopConn{})
	require.NoError(t, tr.OnConnected(ctx, "alice"))
	sessions.Register("alice", "c2", nopConn{})
	require.NoError(t, tr.OnConnected(ctx, "alice"))

	if sessions.Unregister("alice", "c1") {
		require.NoError(t, tr.OnDisconnected(ctx, "alice"))
	}

	assert.Equal(t, store.StatusOnline, statusOf(t, w, "alice"))
	assert.NotContains(t, w.writes, store.StatusOffline)
}

// A connect that lands while an OFFLINE write is in flight is picked up by
// the re-check and the final persisted status is ONLINE.
func TestDisconnectRacingReconnect_Settles(t *testing.T) {
	w, sessions, tr := newFixture(t)
	ctx := context.Background()

	sessions.Register("alice", "c1", nopConn{})
	require.True(t, sessions.Unregister("alice", "c1"))

	w.onWrite = func(s store.Status) {
		if s == store.StatusOffline {
			w.onWrite = nil
			sessions.Register("alice", "c2", nopConn{})
		}
	}
	require.NoError(t, tr.OnDisconnected(ctx, "alice"))

	assert.Equal(t, store.StatusOnline, statusOf(t, w, "alice"))
	assert.Equal(t, []store.Status{store.StatusOffline, store.StatusOnline}, w.writes)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) UpdateUserStatus(ctx context.Context, userID string, status store.Status) error {
	return m.Called(ctx, userID, status).Error(0)
}

func (m *mockWriter) ResetAllStatuses(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestPersistFailure_KeepsSession(t *testing.T) {
	w := &mockWriter{}
	w.On("UpdateUserStatus", mock.Anything, "alice", store.StatusOnline).
		Return(apperr.TransientIO(errors.New("db down"), "update user status"))
	sessions := session.New()
	tr := NewTracker(w, sessions)

	sessions.Register("alice", "c1", nopConn{})
	err := tr.OnConnected(context.Background(), "alice")

	assert.True(t, errors.Is(err, apperr.ErrTransientIO))
	_, ok := sessions.Lookup("alice")
	assert.True(t, ok)
	w.AssertExpectations(t)
}

func TestResetAll(t *testing.T) {
	w := &mockWriter{}
	w.On("ResetAllStatuses", mock.Anything).Return(int64(4), nil)

	n, err := NewTracker(w, session.New()).ResetAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	w.AssertExpectations(t)
}

type mockOwners struct {
	mock.Mock
}

func (m *mockOwners) Live(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func TestOnDisconnected_SessionOnOtherInstanceStaysOnline(t *testing.T) {
	w, sessions, _ := newFixture(t)
	owners := &mockOwners{}
	owners.On("Live", mock.Anything, "alice").Return(true, nil)
	tracker := NewTracker(w, sessions, WithOwners(owners))

	require.NoError(t, tracker.OnDisconnected(context.Background(), "alice"))

	assert.Equal(t, store.StatusOnline, statusOf(t, w, "alice"))
	assert.Equal(t, []store.Status{store.StatusOffline, store.StatusOnline}, w.writes)
	owners.AssertExpectations(t)
}

func TestOnDisconnected_OwnerRegistryDownKeepsWrite(t *testing.T) {
	w, sessions, _ := newFixture(t)
	owners := &mockOwners{}
	owners.On("Live", mock.Anything, "alice").Return(false, errors.New("redis down"))
	tracker := NewTracker(w, sessions, WithOwners(owners))

	require.NoError(t, tracker.OnDisconnected(context.Background(), "alice"))

	assert.Equal(t, store.StatusOffline, statusOf(t, w, "alice"))
	assert.Equal(t, []store.Status{store.StatusOffline}, w.writes)
}
