// Package message persists chat messages and fans them out to the room.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/event"
	"go-pairchat/internal/fanout"
	"go-pairchat/internal/metrics"
	"go-pairchat/internal/room"
	"go-pairchat/internal/store"

	"github.com/rs/zerolog/log"
)

const seenMarker = "SEEN"

type Store interface {
	CreateMessage(ctx context.Context, chatID, senderID, content string) (*store.Message, error)
	UpdateMessagesStatus(ctx context.Context, chatID, senderID string, from, to store.MessageStatus) (int64, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error)
	ListUnseenFor(ctx context.Context, userID string) ([]store.Message, error)
}

type Rooms interface {
	OtherParticipant(ctx context.Context, roomID, userID string) (string, error)
}

// Charger is the ledger as seen by the pipeline.
type Charger interface {
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
}

type Config struct {
	Cost         int64
	HistoryLimit int
}

type Pipeline struct {
	store     Store
	rooms     Rooms
	charger   Charger
	bus       fanout.Publisher
	cfg       Config
	sequencer *keyedMutex
}

func NewPipeline(s Store, rooms Rooms, charger Charger, bus fanout.Publisher, cfg Config) *Pipeline {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Pipeline{
		store:     s,
		rooms:     rooms,
		charger:   charger,
		bus:       bus,
		cfg:       cfg,
		sequencer: newKeyedMutex(),
	}
}

// Receipt is what the sender learns about a successful send.
type Receipt struct {
	Message *store.Message
	Balance int64
}

// Send charges the sender, persists the message and broadcasts it. Nothing
// is persisted without payment and nothing is broadcast without a
// persisted message; a failed persist refunds the charge.
//
// The room lock is held from persist through publish: delivery order in a
// room equals persistence order.
func (p *Pipeline) Send(ctx context.Context, roomID, senderID, content string) (*Receipt, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Invalid("message content is empty")
	}
	other, err := p.counterpart(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}

	balance, err := p.charger.Debit(ctx, senderID, p.cfg.Cost)
	if err != nil {
		return nil, err
	}

	unlock := p.sequencer.Lock(roomID)
	defer unlock()

	msg, err := p.store.CreateMessage(ctx, roomID, senderID, content)
	if err != nil {
		p.refund(senderID, roomID)
		// A room purged since it was cached surfaces as NotFound; only
		// errors outside the taxonomy are retryable.
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.TransientIO(err, "message not saved")
	}
	metrics.MessagesTotal.Inc()

	users := []string{senderID, other}
	p.publish(ctx, fanout.ToRoom(roomID, users, event.New(event.MessageCreated, msg)))
	p.publish(ctx, fanout.ToOutsideRoom(roomID, []string{other}, event.New(event.Notification, event.NotificationBody{
		RoomID:    roomID,
		MessageID: msg.ID,
		SenderID:  senderID,
		Content:   msg.Content,
	})))

	return &Receipt{Message: msg, Balance: balance}, nil
}

// refund returns the charge of a send that was not persisted. It runs
// detached from the request so a cancelled caller is still refunded.
func (p *Pipeline) refund(userID, roomID string) {
	ctx := context.Background()
	if _, err := p.charger.Credit(ctx, userID, p.cfg.Cost); err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("room_id", roomID).
			Int64("amount", p.cfg.Cost).
			Msg("refund after failed send")
	}
}

func (p *Pipeline) publish(ctx context.Context, env fanout.Envelope) {
	if err := p.bus.Publish(ctx, env); err != nil {
		metrics.FanoutFailures.Inc()
		log.Warn().Err(err).Str("room_id", env.RoomID).Str("event", env.Event.Name).Msg("publish failed")
	}
}

// MarkSeen moves the counterpart's UNSEEN messages in roomID to SEEN and
// tells the room. The event is sent even when nothing changed, so a
// repeated call is harmless.
func (p *Pipeline) MarkSeen(ctx context.Context, roomID, readerID, counterpartID, eventName string) (int64, error) {
	if eventName != event.MessageSeen && eventName != event.MessageSeen1 {
		return 0, apperr.Invalid("unknown seen event %q", eventName)
	}
	other, err := p.counterpart(ctx, roomID, readerID)
	if err != nil {
		return 0, err
	}
	if counterpartID == "" {
		counterpartID = other
	}
	if counterpartID != other {
		return 0, apperr.Invalid("user %s is not the counterpart in room %s", counterpartID, roomID)
	}

	n, err := p.store.UpdateMessagesStatus(ctx, roomID, counterpartID, store.MessageUnseen, store.MessageSeen)
	if err != nil {
		return 0, fmt.Errorf("mark seen in %s: %w", roomID, err)
	}

	p.publish(ctx, fanout.ToRoom(roomID, []string{readerID, other}, event.New(eventName, event.SeenBody{
		SenderID: counterpartID,
		Message:  seenMarker,
	})))
	return n, nil
}

// counterpart is OtherParticipant with non-members turned away as Forbidden.
func (p *Pipeline) counterpart(ctx context.Context, roomID, userID string) (string, error) {
	other, err := p.rooms.OtherParticipant(ctx, roomID, userID)
	if errors.Is(err, room.ErrNotParticipant) {
		return "", apperr.Forbidden("user %s is not a participant of room %s", userID, roomID)
	}
	return other, err
}

// History returns the most recent messages of roomID in ascending order.
func (p *Pipeline) History(ctx context.Context, roomID, userID string) ([]store.Message, error) {
	if _, err := p.counterpart(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msgs, err := p.store.ListMessages(ctx, roomID, p.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", roomID, err)
	}
	return msgs, nil
}

// Unseen lists UNSEEN messages other users sent to userID, newest first.
func (p *Pipeline) Unseen(ctx context.Context, userID string) ([]store.Message, error) {
	msgs, err := p.store.ListUnseenFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unseen for %s: %w", userID, err)
	}
	return msgs, nil
}
