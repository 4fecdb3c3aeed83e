package gateway

import (
	"context"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/event"
	"go-pairchat/internal/fanout"
	"go-pairchat/internal/message"
	"go-pairchat/internal/metrics"
	"go-pairchat/internal/session"
	"go-pairchat/internal/store"

	"github.com/rs/zerolog/log"
)

type Presence interface {
	OnConnected(ctx context.Context, userID string) error
	OnDisconnected(ctx context.Context, userID string) error
}

type Rooms interface {
	FindOrCreate(ctx context.Context, a, b string) (*store.Chat, error)
	ListRoomsFor(ctx context.Context, userID string) ([]string, error)
}

type Pipeline interface {
	Send(ctx context.Context, roomID, senderID, content string) (*message.Receipt, error)
	MarkSeen(ctx context.Context, roomID, readerID, counterpartID, eventName string) (int64, error)
}

type Ledger interface {
	TopUp(ctx context.Context, userID, token string) (int64, error)
}

// Owners tracks which connection owns a user across gateway instances.
type Owners interface {
	Claim(ctx context.Context, userID, connectionID string) (uint64, error)
	Release(ctx context.Context, userID, connectionID string) (bool, error)
}

type Option func(*Dispatcher)

// WithOwners makes sessions exclusive across instances: a connect claims
// the user and evicts older sessions wherever they are held.
func WithOwners(o Owners) Option {
	return func(d *Dispatcher) { d.owners = o }
}

// Dispatcher owns connection lifecycle and routes named events to the
// chat core. It holds no business rules of its own.
type Dispatcher struct {
	sessions *session.Store
	presence Presence
	rooms    Rooms
	pipeline Pipeline
	ledger   Ledger
	bus      fanout.Publisher
	owners   Owners
}

func NewDispatcher(sessions *session.Store, presence Presence, rooms Rooms, pipeline Pipeline, ledger Ledger, bus fanout.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions: sessions,
		presence: presence,
		rooms:    rooms,
		pipeline: pipeline,
		ledger:   ledger,
		bus:      bus,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect registers conn as the live session of userID, marks the user
// ONLINE and rejoins every room the user belongs to.
func (d *Dispatcher) Connect(ctx context.Context, userID, connID string, conn session.Conn) session.Session {
	logger := log.With().Str("user_id", userID).Str("conn_id", connID).Logger()

	var generation uint64
	if d.owners != nil {
		g, err := d.owners.Claim(ctx, userID, connID)
		if err != nil {
			// Degrade to a local-only session.
			logger.Error().Err(err).Msg("claim session")
		}
		generation = g
	}
	sess, ok := d.sessions.RegisterClaimed(userID, connID, generation, conn)
	if !ok {
		logger.Info().Uint64("generation", generation).Msg("newer session already live, closing")
		conn.Close()
		return sess
	}
	if generation != 0 {
		if err := d.bus.Publish(ctx, fanout.Evict(userID, connID, generation)); err != nil {
			logger.Warn().Err(err).Msg("announce session")
		}
	}

	if err := d.presence.OnConnected(ctx, userID); err != nil {
		logger.Error().Err(err).Msg("persist presence on connect")
	}

	roomIDs, err := d.rooms.ListRoomsFor(ctx, userID)
	if err != nil {
		logger.Error().Err(err).Msg("list rooms on connect")
	} else if len(roomIDs) > 0 && !d.sessions.Join(userID, sess.Epoch, roomIDs...) {
		logger.Debug().Msg("session replaced before rejoin")
	}

	logger.Info().Uint64("epoch", sess.Epoch).Int("rooms", len(roomIDs)).Msg("user connected")
	return sess
}

// Disconnect removes the session if it still belongs to connID. A
// connection superseded by a newer one leaves presence alone.
func (d *Dispatcher) Disconnect(ctx context.Context, userID, connID string) {
	if !d.sessions.Unregister(userID, connID) {
		log.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("stale disconnect ignored")
		return
	}
	if d.owners != nil {
		released, err := d.owners.Release(ctx, userID, connID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("release session")
		} else if !released {
			log.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("user connected elsewhere, presence unchanged")
			return
		}
	}
	if err := d.presence.OnDisconnected(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("persist presence on disconnect")
	}
	log.Info().Str("user_id", userID).Str("conn_id", connID).Msg("user disconnected")
}

// Dispatch handles one inbound event. Failures are reported to the
// originating connection only.
func (d *Dispatcher) Dispatch(ctx context.Context, sess session.Session, ev event.Event) {
	if !d.sessions.IsCurrent(sess.UserID, sess.Epoch) {
		metrics.EventsTotal.WithLabelValues(ev.Name, "stale").Inc()
		log.Debug().Str("user_id", sess.UserID).Str("conn_id", sess.ConnectionID).Str("event", ev.Name).Msg("event from replaced session dropped")
		return
	}
	err := d.handle(ctx, sess, ev)
	if err == nil {
		metrics.EventsTotal.WithLabelValues(ev.Name, "ok").Inc()
		return
	}

	kind := apperr.KindOf(err)
	metrics.EventsTotal.WithLabelValues(ev.Name, string(kind)).Inc()
	l := log.Warn()
	if kind == apperr.KindTransientIO {
		l = log.Error()
	}
	l.Err(err).
		Str("user_id", sess.UserID).
		Str("conn_id", sess.ConnectionID).
		Str("event", ev.Name).
		Str("kind", string(kind)).
		Msg("event failed")
	_ = sess.Conn.Send(event.Failure(ev.Name, err))
}

func (d *Dispatcher) handle(ctx context.Context, sess session.Session, ev event.Event) error {
	switch ev.Name {
	case event.NewMessage:
		return d.newMessage(ctx, sess, ev)
	case event.MarkAsSeen:
		return d.seen(ctx, sess, ev, event.MessageSeen)
	case event.NotificationSeen:
		return d.seen(ctx, sess, ev, event.MessageSeen1)
	case event.CreateChat:
		return d.createChat(ctx, sess, ev)
	case event.AddCredit:
		return d.addCredit(ctx, sess, ev)
	}
	return apperr.Invalid("unknown event %q", ev.Name)
}

func (d *Dispatcher) newMessage(ctx context.Context, sess session.Session, ev event.Event) error {
	var p event.NewMessagePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	receipt, err := d.pipeline.Send(ctx, p.RoomID, sess.UserID, p.Content)
	if err != nil {
		return err
	}
	return sess.Conn.Send(event.New(event.Deduct, event.BalanceBody{Balance: receipt.Balance}))
}

func (d *Dispatcher) seen(ctx context.Context, sess session.Session, ev event.Event, outbound string) error {
	var p event.SeenPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	_, err := d.pipeline.MarkSeen(ctx, p.RoomID, sess.UserID, p.CounterpartID, outbound)
	return err
}

func (d *Dispatcher) createChat(ctx context.Context, sess session.Session, ev event.Event) error {
	var p event.CreateChatPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.UserID != "" && p.UserID != sess.UserID {
		return apperr.Forbidden("cannot open a chat on behalf of %s", p.UserID)
	}
	chat, err := d.rooms.FindOrCreate(ctx, sess.UserID, p.OtherUserID)
	if err != nil {
		return err
	}

	// Both live sessions join the room, on whichever instance holds them.
	created := event.New(event.ChatCreated, event.ChatCreatedBody{ChatID: chat.ID, UserID: sess.UserID})
	if err := d.bus.Publish(ctx, fanout.JoinRoom(chat.ID, []string{sess.UserID, p.OtherUserID}, created)); err != nil {
		log.Warn().Err(err).Str("room_id", chat.ID).Msg("publish chatCreated")
	}
	return nil
}

func (d *Dispatcher) addCredit(ctx context.Context, sess session.Session, ev event.Event) error {
	var p event.AddCreditPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	balance, err := d.ledger.TopUp(ctx, sess.UserID, p.PaymentToken)
	if err != nil {
		return err
	}
	return sess.Conn.Send(event.New(event.CreditAdded, event.BalanceBody{Balance: balance}))
}
