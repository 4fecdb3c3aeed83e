// Package event defines the JSON frames exchanged over the real-time
// connection: {"event": <name>, "data": {...}}.
package event

import (
	"encoding/json"

	"go-pairchat/internal/apperr"
)

// Inbound event names.
const (
	NewMessage       = "newMessage"
	MarkAsSeen       = "markAsSeen"
	NotificationSeen = "notificationSeen"
	CreateChat       = "createChat"
	AddCredit        = "addCredit"
)

// Outbound event names.
const (
	MessageCreated = "newMessage1"
	Notification   = "notification"
	Deduct         = "deduct"
	MessageSeen    = "messageSeen"
	MessageSeen1   = "messageSeen1"
	ChatCreated    = "chatCreated"
	CreditAdded    = "addCredit"
	Error          = "error"
)

type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New marshals payload into an event. Payloads are plain structs and maps
// so a marshal failure is a programming error and yields a null body.
func New(name string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return Event{Name: name, Data: data}
}

// Decode unmarshals the event body into v. A malformed body is Invalid.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return apperr.Invalid("%s: missing data", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return apperr.Wrap(apperr.KindInvalid, err, "%s: malformed data", e.Name)
	}
	return nil
}

// Parse decodes a raw frame.
func Parse(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, apperr.Wrap(apperr.KindInvalid, err, "malformed frame")
	}
	if e.Name == "" {
		return Event{}, apperr.Invalid("frame has no event name")
	}
	return e, nil
}

// ---------------------------------------------
// Payloads
// ---------------------------------------------

type NewMessagePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type SeenPayload struct {
	RoomID        string `json:"roomId"`
	CounterpartID string `json:"counterpartId"`
}

type CreateChatPayload struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

type AddCreditPayload struct {
	PaymentToken string `json:"paymentToken"`
}

type SeenBody struct {
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
}

type ChatCreatedBody struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type BalanceBody struct {
	Balance int64 `json:"balance"`
}

type NotificationBody struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
}

type ErrorBody struct {
	Event  string `json:"event"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Failure builds the error frame reported to the originating connection.
func Failure(name string, err error) Event {
	return New(Error, ErrorBody{
		Event:  name,
		Kind:   string(apperr.KindOf(err)),
		Reason: apperr.Reason(err),
	})
}
