// Package room resolves the two-party chat room of an unordered pair of
// users and answers membership questions about existing rooms.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/store"

	"golang.org/x/sync/singleflight"
)

// ErrNotParticipant marks a lookup by a user outside the room.
var ErrNotParticipant = errors.New("not a participant")

// Store is the part of store.Store the resolver needs.
type Store interface {
	FindOrCreateChat(ctx context.Context, low, high string) (*store.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	ListChatsFor(ctx context.Context, userID string) ([]store.Chat, error)
	LastMessage(ctx context.Context, chatID string) (*store.Message, error)
}

type Resolver struct {
	store Store
	group singleflight.Group

	mu           sync.RWMutex
	participants map[string][2]string // rooms are immutable once created
}

func NewResolver(s Store) *Resolver {
	return &Resolver{
		store:        s,
		participants: make(map[string][2]string),
	}
}

// FindOrCreate returns the room of a and b regardless of argument order.
// Concurrent calls for the same pair share one store round trip, and the
// store's pair uniqueness covers callers in other processes.
func (r *Resolver) FindOrCreate(ctx context.Context, a, b string) (*store.Chat, error) {
	if a == "" || b == "" {
		return nil, apperr.Invalid("both participants are required")
	}
	if a == b {
		return nil, apperr.Invalid("cannot open a chat with yourself")
	}
	low, high := store.OrderedPair(a, b)

	// The shared call must not be cancelled by whichever caller started it.
	ch := r.group.DoChan(low+"\x00"+high, func() (any, error) {
		return r.findOrCreate(context.WithoutCancel(ctx), low, high)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c := *res.Val.(*store.Chat)
		return &c, nil
	}
}

func (r *Resolver) findOrCreate(ctx context.Context, low, high string) (*store.Chat, error) {
	c, _, err := r.store.FindOrCreateChat(ctx, low, high)
	if errors.Is(err, apperr.ErrConflict) {
		// Lost the insert race to another process; the row exists now.
		c, _, err = r.store.FindOrCreateChat(ctx, low, high)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create chat: %w", err)
	}
	r.remember(c)
	return c, nil
}

func (r *Resolver) remember(c *store.Chat) {
	r.mu.Lock()
	r.participants[c.ID] = c.Participants()
	r.mu.Unlock()
}

// Participants returns both members of roomID.
func (r *Resolver) Participants(ctx context.Context, roomID string) ([2]string, error) {
	r.mu.RLock()
	p, ok := r.participants[roomID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	c, err := r.store.GetChat(ctx, roomID)
	if err != nil {
		return [2]string{}, fmt.Errorf("get chat %s: %w", roomID, err)
	}
	r.remember(c)
	return c.Participants(), nil
}

// OtherParticipant returns the counterpart of userID in roomID. A room that
// does not include userID is NotFound and wraps ErrNotParticipant.
func (r *Resolver) OtherParticipant(ctx context.Context, roomID, userID string) (string, error) {
	p, err := r.Participants(ctx, roomID)
	if err != nil {
		return "", err
	}
	switch userID {
	case p[0]:
		return p[1], nil
	case p[1]:
		return p[0], nil
	}
	return "", apperr.Wrap(apperr.KindNotFound, ErrNotParticipant, "user %s is not in room %s", userID, roomID)
}

// ListRoomsFor returns the ids of every room userID is part of.
func (r *Resolver) ListRoomsFor(ctx context.Context, userID string) ([]string, error) {
	chats, err := r.store.ListChatsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats for %s: %w", userID, err)
	}
	ids := make([]string, 0, len(chats))
	for i := range chats {
		r.remember(&chats[i])
		ids = append(ids, chats[i].ID)
	}
	return ids, nil
}

// Chats lists the rooms of userID with the counterpart and last message.
func (r *Resolver) Chats(ctx context.Context, userID string) ([]store.ChatSummary, error) {
	chats, err := r.store.ListChatsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats for %s: %w", userID, err)
	}
	out := make([]store.ChatSummary, 0, len(chats))
	for i := range chats {
		c := &chats[i]
		r.remember(c)
		other, _ := c.Other(userID)
		last, err := r.store.LastMessage(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("last message of %s: %w", c.ID, err)
		}
		out = append(out, store.ChatSummary{
			ID:          c.ID,
			OtherUserID: other,
			LastMessage: last,
			CreatedAt:   c.CreatedAt,
		})
	}
	return out, nil
}
