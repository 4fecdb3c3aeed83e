// Package memory is an in-process implementation of store.Store used by
// tests and by the "memory" store driver in development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu       sync.Mutex
	users    map[string]*store.User
	chats    map[string]*store.Chat
	pairs    map[[2]string]string // ordered pair -> chat id
	messages map[string][]*store.Message

	autoProvision bool
	startCredits  int64
	now           func() time.Time
}

type Option func(*Store)

// WithAutoProvision makes unknown users spring into existence OFFLINE with
// the given balance on first access, standing in for the profile service.
func WithAutoProvision(credits int64) Option {
	return func(s *Store) {
		s.autoProvision = true
		s.startCredits = credits
	}
}

// WithClock overrides time.Now for created timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		users:    make(map[string]*store.User),
		chats:    make(map[string]*store.Chat),
		pairs:    make(map[[2]string]string),
		messages: make(map[string][]*store.Message),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser seeds a user. An existing user with the same id is replaced.
func (s *Store) AddUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = store.StatusOffline
	}
	s.users[u.ID] = &u
}

// userLocked returns the user or provisions it. Caller holds s.mu.
func (s *Store) userLocked(userID string) (*store.User, error) {
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	if !s.autoProvision || userID == "" {
		return nil, apperr.NotFound("user %s not found", userID)
	}
	u := &store.User{ID: userID, Status: store.StatusOffline, Credits: s.startCredits}
	s.users[userID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(userID)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateUserStatus(_ context.Context, userID string, status store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(userID)
	if err != nil {
		return err
	}
	u.Status = status
	return nil
}

func (s *Store) ResetAllStatuses(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		u.Status = store.StatusOffline
	}
	return int64(len(s.users)), nil
}

func (s *Store) FindOrCreateChat(_ context.Context, low, high string) (*store.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{low, high} {
		if _, err := s.userLocked(id); err != nil {
			return nil, false, err
		}
	}
	key := [2]string{low, high}
	if id, ok := s.pairs[key]; ok {
		cp := *s.chats[id]
		return &cp, false, nil
	}
	c := &store.Chat{ID: uuid.NewString(), UserLow: low, UserHigh: high, CreatedAt: s.now()}
	s.chats[c.ID] = c
	s.pairs[key] = c.ID
	cp := *c
	return &cp, true, nil
}

func (s *Store) GetChat(_ context.Context, chatID string) (*store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, apperr.NotFound("chat %s not found", chatID)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListChatsFor(_ context.Context, userID string) ([]store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Chat
	for _, c := range s.chats {
		if c.Has(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) LastMessage(_ context.Context, chatID string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	if len(msgs) == 0 {
		return nil, nil
	}
	cp := *msgs[len(msgs)-1]
	return &cp, nil
}

func (s *Store) CreateMessage(_ context.Context, chatID, senderID, content string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, apperr.NotFound("chat %s not found", chatID)
	}
	if !c.Has(senderID) {
		return nil, apperr.Forbidden("user %s is not a participant of chat %s", senderID, chatID)
	}
	m := &store.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Status:    store.MessageUnseen,
		CreatedAt: s.now(),
	}
	s.messages[chatID] = append(s.messages[chatID], m)
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateMessagesStatus(_ context.Context, chatID, senderID string, from, to store.MessageStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages[chatID] {
		if m.SenderID == senderID && m.Status == from {
			m.Status = to
			n++
		}
	}
	return n, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) ListUnseenFor(_ context.Context, userID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for id, c := range s.chats {
		if !c.Has(userID) {
			continue
		}
		for _, m := range s.messages[id] {
			if m.SenderID != userID && m.Status == store.MessageUnseen {
				out = append(out, *m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AdjustCredits(_ context.Context, userID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(userID)
	if err != nil {
		return 0, err
	}
	if u.Credits+delta < 0 {
		return u.Credits, apperr.New(apperr.KindInsufficientCredits, "balance %d is below %d", u.Credits, -delta)
	}
	u.Credits += delta
	return u.Credits, nil
}

func (s *Store) Purge(_ context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs int64
	for _, m := range s.messages {
		msgs += int64(len(m))
	}
	chats := int64(len(s.chats))
	s.messages = make(map[string][]*store.Message)
	s.chats = make(map[string]*store.Chat)
	s.pairs = make(map[[2]string]string)
	return msgs, chats, nil
}

var _ store.Store = (*Store)(nil)
