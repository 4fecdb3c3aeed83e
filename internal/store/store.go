// Package store is the persistence contract consumed by the chat core.
// Implementations live in the postgres and memory subpackages and report
// failures as apperr kinds: NotFound, Conflict, InsufficientCredits and
// TransientIO for anything the driver could not complete.
package store

import "context"

type Store interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	UpdateUserStatus(ctx context.Context, userID string, status Status) error
	// ResetAllStatuses marks every user OFFLINE and returns the number of
	// rows touched.
	ResetAllStatuses(ctx context.Context) (int64, error)

	// FindOrCreateChat returns the chat for the ordered pair (low, high),
	// creating it if absent. created reports whether this call inserted it.
	FindOrCreateChat(ctx context.Context, low, high string) (chat *Chat, created bool, err error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	ListChatsFor(ctx context.Context, userID string) ([]Chat, error)
	// LastMessage returns nil without error when the chat has no messages.
	LastMessage(ctx context.Context, chatID string) (*Message, error)

	CreateMessage(ctx context.Context, chatID, senderID, content string) (*Message, error)
	// UpdateMessagesStatus moves messages of chatID authored by senderID
	// from one status to another and returns the number of rows changed.
	UpdateMessagesStatus(ctx context.Context, chatID, senderID string, from, to MessageStatus) (int64, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	ListUnseenFor(ctx context.Context, userID string) ([]Message, error)

	// AdjustCredits adds delta to the balance in a single atomic step and
	// returns the new balance. A negative delta that would overdraw the
	// balance fails with InsufficientCredits and leaves it unchanged.
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)

	// Purge deletes every message and chat. Administrative only.
	Purge(ctx context.Context) (messages int64, chats int64, err error)
}
