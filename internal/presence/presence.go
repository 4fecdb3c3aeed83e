// Package presence projects session existence onto the persisted
// ONLINE/OFFLINE status of each user.
package presence

import (
	"context"
	"fmt"

	"go-pairchat/internal/session"
	"go-pairchat/internal/store"

	"github.com/rs/zerolog/log"
)

// maxPasses bounds the write/re-check loop. Each extra pass only happens
// when a connect or disconnect raced with the previous write.
const maxPasses = 3

// StatusWriter is the part of store.Store the tracker needs.
type StatusWriter interface {
	UpdateUserStatus(ctx context.Context, userID string, status store.Status) error
	ResetAllStatuses(ctx context.Context) (int64, error)
}

// Sessions reports whether a user currently has a live session.
type Sessions interface {
	Lookup(userID string) (session.Session, bool)
}

// Owners reports whether a user holds a session on any instance.
type Owners interface {
	Live(ctx context.Context, userID string) (bool, error)
}

type Option func(*Tracker)

// WithOwners makes the tracker count sessions held by other instances.
func WithOwners(o Owners) Option {
	return func(t *Tracker) { t.owners = o }
}

type Tracker struct {
	writer   StatusWriter
	sessions Sessions
	owners   Owners
}

func NewTracker(writer StatusWriter, sessions Sessions, opts ...Option) *Tracker {
	t := &Tracker{writer: writer, sessions: sessions}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnConnected persists ONLINE after a successful register.
func (t *Tracker) OnConnected(ctx context.Context, userID string) error {
	return t.settle(ctx, userID, store.StatusOnline)
}

// OnDisconnected persists OFFLINE. Callers invoke it only when their
// unregister actually removed the session, so a superseded connection
// never reaches here.
func (t *Tracker) OnDisconnected(ctx context.Context, userID string) error {
	return t.settle(ctx, userID, store.StatusOffline)
}

// ResetAll marks every user OFFLINE. Run once at startup, before the
// gateway accepts connections.
func (t *Tracker) ResetAll(ctx context.Context) (int64, error) {
	n, err := t.writer.ResetAllStatuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	return n, nil
}

// settle writes status, then re-reads the session table (and the owner
// registry, when set) and rewrites until the persisted value matches
// whether a session exists. Session state is
// never rolled back on failure.
func (t *Tracker) settle(ctx context.Context, userID string, status store.Status) error {
	for pass := 0; pass < maxPasses; pass++ {
		if err := t.writer.UpdateUserStatus(ctx, userID, status); err != nil {
			return fmt.Errorf("persist %s for %s: %w", status, userID, err)
		}
		want := t.current(ctx, userID, status)
		if want == status {
			return nil
		}
		log.Debug().
			Str("user_id", userID).
			Str("written", string(status)).
			Str("want", string(want)).
			Msg("presence changed during write, re-persisting")
		status = want
	}
	return nil
}

// current is the status userID should have. written is kept when the owner
// registry cannot be read.
func (t *Tracker) current(ctx context.Context, userID string, written store.Status) store.Status {
	if _, ok := t.sessions.Lookup(userID); ok {
		return store.StatusOnline
	}
	if t.owners == nil {
		return store.StatusOffline
	}
	live, err := t.owners.Live(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("read session owner")
		return written
	}
	if live {
		return store.StatusOnline
	}
	return store.StatusOffline
}
