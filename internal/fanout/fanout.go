// Package fanout delivers outbound events to the live sessions of a set of
// users. Delivery is best effort: every target is tried independently and
// a failing connection is logged and skipped.
package fanout

import (
	"context"
	"sort"

	"go-pairchat/internal/event"
	"go-pairchat/internal/metrics"
	"go-pairchat/internal/session"

	"github.com/rs/zerolog/log"
)

// Filter selects targets by whether their session joined the envelope's room.
type Filter string

const (
	AnySession    Filter = ""
	JoinedOnly    Filter = "joined"
	NotJoinedOnly Filter = "not-joined"
)

// Envelope addresses one event to the live sessions of Users. With Join
// set, each live session first joins RoomID wherever it is held. An
// envelope with Keep set carries no event: it evicts every session of
// Users other than connection Keep that was claimed before Generation.
type Envelope struct {
	RoomID     string      `json:"roomId,omitempty"`
	Users      []string    `json:"users"`
	Filter     Filter      `json:"filter,omitempty"`
	Join       bool        `json:"join,omitempty"`
	Keep       string      `json:"keep,omitempty"`
	Generation uint64      `json:"generation,omitempty"`
	Event      event.Event `json:"event"`
}

// ToRoom addresses ev to the sessions of users that joined roomID.
func ToRoom(roomID string, users []string, ev event.Event) Envelope {
	return Envelope{RoomID: roomID, Users: users, Filter: JoinedOnly, Event: ev}
}

// ToOutsideRoom addresses ev to the sessions of users that have not joined
// roomID.
func ToOutsideRoom(roomID string, users []string, ev event.Event) Envelope {
	return Envelope{RoomID: roomID, Users: users, Filter: NotJoinedOnly, Event: ev}
}

// JoinRoom makes the live sessions of users join roomID, then delivers ev
// to them.
func JoinRoom(roomID string, users []string, ev event.Event) Envelope {
	return Envelope{RoomID: roomID, Users: users, Filter: JoinedOnly, Join: true, Event: ev}
}

// ToUser addresses ev to the session of userID, wherever it is.
func ToUser(userID string, ev event.Event) Envelope {
	return Envelope{Users: []string{userID}, Event: ev}
}

// Evict announces that connectionID, claimed at generation, is now the
// session of userID on whichever instance holds it.
func Evict(userID, connectionID string, generation uint64) Envelope {
	return Envelope{Users: []string{userID}, Keep: connectionID, Generation: generation}
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type Sessions interface {
	Lookup(userID string) (session.Session, bool)
	Join(userID string, epoch uint64, roomIDs ...string) bool
	EvictOlder(userID, keepConnectionID string, generation uint64) bool
}

// LocalBus delivers envelopes to sessions held by this process.
type LocalBus struct {
	sessions Sessions
}

func NewLocalBus(sessions Sessions) *LocalBus {
	return &LocalBus{sessions: sessions}
}

func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	b.Deliver(env)
	return nil
}

// Deliver queues the event on every matching session and returns how many
// accepted it.
func (b *LocalBus) Deliver(env Envelope) int {
	if env.Keep != "" {
		return b.evict(env)
	}
	delivered := 0
	for _, userID := range env.Users {
		s, ok := b.sessions.Lookup(userID)
		if !ok {
			continue
		}
		if env.Join && env.RoomID != "" {
			if !b.sessions.Join(userID, s.Epoch, env.RoomID) {
				continue
			}
			s.JoinedRooms = append(s.JoinedRooms, env.RoomID)
			sort.Strings(s.JoinedRooms)
		}
		switch env.Filter {
		case JoinedOnly:
			if !s.Joined(env.RoomID) {
				continue
			}
		case NotJoinedOnly:
			if s.Joined(env.RoomID) {
				continue
			}
		}
		if err := s.Conn.Send(env.Event); err != nil {
			metrics.FanoutFailures.Inc()
			log.Warn().
				Err(err).
				Str("user_id", userID).
				Str("conn_id", s.ConnectionID).
				Str("event", env.Event.Name).
				Msg("dropping event for connection")
			continue
		}
		delivered++
	}
	return delivered
}

func (b *LocalBus) evict(env Envelope) int {
	n := 0
	for _, userID := range env.Users {
		if b.sessions.EvictOlder(userID, env.Keep, env.Generation) {
			log.Info().
				Str("user_id", userID).
				Str("kept_conn_id", env.Keep).
				Uint64("generation", env.Generation).
				Msg("session superseded on another instance")
			n++
		}
	}
	return n
}
