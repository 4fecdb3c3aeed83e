package store

import "time"

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

type MessageStatus string

const (
	MessageUnseen MessageStatus = "UNSEEN"
	MessageSeen   MessageStatus = "SEEN"
)

// User is the presence and credit projection of an account owned by the
// external profile service.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Status  Status `json:"status"`
	Credits int64  `json:"credits"`
}

// Chat is a two-party room. UserLow/UserHigh hold the participants in
// lexical order so each unordered pair maps to one row.
type Chat struct {
	ID        string    `json:"id"`
	UserLow   string    `json:"-"`
	UserHigh  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Participants returns both user ids.
func (c *Chat) Participants() [2]string { return [2]string{c.UserLow, c.UserHigh} }

// Has reports whether userID participates in the chat.
func (c *Chat) Has(userID string) bool { return c.UserLow == userID || c.UserHigh == userID }

// Other returns the counterpart of userID and false if userID is not a
// participant.
func (c *Chat) Other(userID string) (string, bool) {
	switch userID {
	case c.UserLow:
		return c.UserHigh, true
	case c.UserHigh:
		return c.UserLow, true
	}
	return "", false
}

type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"roomId"`
	SenderID  string        `json:"senderId"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ChatSummary is a chat listed for one user, with the counterpart and the
// most recent message if any.
type ChatSummary struct {
	ID          string    `json:"id"`
	OtherUserID string    `json:"otherUserId"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OrderedPair returns a and b in lexical order.
func OrderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
