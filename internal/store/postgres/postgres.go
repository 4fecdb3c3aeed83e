// Package postgres implements store.Store over database/sql with the pgx
// driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// translate maps driver errors onto the apperr taxonomy.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, err, "%s: not found", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperr.Wrap(apperr.KindConflict, err, "%s: duplicate", op)
		case pgForeignKeyViolation:
			return apperr.Wrap(apperr.KindNotFound, err, "%s: unknown reference", op)
		}
	}
	return apperr.TransientIO(err, "%s", op)
}

func (r *Repository) GetUser(ctx context.Context, userID string) (*store.User, error) {
	u := &store.User{}
	query := "SELECT id, name, status, credits FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Name, &u.Status, &u.Credits)
	if err != nil {
		return nil, translate(err, "get user")
	}
	return u, nil
}

func (r *Repository) UpdateUserStatus(ctx context.Context, userID string, status store.Status) error {
	query := "UPDATE users SET status = $2 WHERE id = $1"
	res, err := r.db.ExecContext(ctx, query, userID, status)
	if err != nil {
		return translate(err, "update user status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("user %s not found", userID)
	}
	return nil
}

func (r *Repository) ResetAllStatuses(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE users SET status = 'OFFLINE' WHERE status <> 'OFFLINE'")
	if err != nil {
		return 0, translate(err, "reset statuses")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repository) findChat(ctx context.Context, low, high string) (*store.Chat, error) {
	c := &store.Chat{}
	query := "SELECT id, user_low, user_high, created_at FROM chats WHERE user_low = $1 AND user_high = $2"
	err := r.db.QueryRowContext(ctx, query, low, high).Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindOrCreateChat relies on the (user_low, user_high) unique index: a
// lost insert race returns no row and the winner is re-read.
func (r *Repository) FindOrCreateChat(ctx context.Context, low, high string) (*store.Chat, bool, error) {
	c, err := r.findChat(ctx, low, high)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, translate(err, "find chat")
	}

	c = &store.Chat{}
	insert := `
		INSERT INTO chats (id, user_low, user_high) VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING
		RETURNING id, user_low, user_high, created_at
	`
	err = r.db.QueryRowContext(ctx, insert, uuid.NewString(), low, high).
		Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt)
	switch {
	case err == nil:
		return c, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// Conflict: another writer created the pair first.
		c, err = r.findChat(ctx, low, high)
		if err != nil {
			return nil, false, translate(err, "re-read chat")
		}
		return c, false, nil
	}
	return nil, false, translate(err, "create chat")
}

func (r *Repository) GetChat(ctx context.Context, chatID string) (*store.Chat, error) {
	c := &store.Chat{}
	query := "SELECT id, user_low, user_high, created_at FROM chats WHERE id = $1"
	if err := r.db.QueryRowContext(ctx, query, chatID).Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
		return nil, translate(err, "get chat")
	}
	return c, nil
}

func (r *Repository) ListChatsFor(ctx context.Context, userID string) ([]store.Chat, error) {
	query := `
		SELECT id, user_low, user_high, created_at
		FROM chats
		WHERE user_low = $1 OR user_high = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, translate(err, "list chats")
	}
	defer rows.Close()

	var chats []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
			return nil, translate(err, "scan chat")
		}
		chats = append(chats, c)
	}
	return chats, translate(rows.Err(), "list chats")
}

const messageColumns = "id, chat_id, sender_id, content, status, created_at"

func scanMessage(row interface{ Scan(...any) error }, m *store.Message) error {
	return row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Status, &m.CreatedAt)
}

func (r *Repository) queryMessages(ctx context.Context, op, query string, args ...any) ([]store.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err, op)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		var m store.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, translate(err, op)
		}
		messages = append(messages, m)
	}
	return messages, translate(rows.Err(), op)
}

func (r *Repository) LastMessage(ctx context.Context, chatID string) (*store.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1"
	m := &store.Message{}
	err := scanMessage(r.db.QueryRowContext(ctx, query, chatID), m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "last message")
	}
	return m, nil
}

func (r *Repository) CreateMessage(ctx context.Context, chatID, senderID, content string) (*store.Message, error) {
	query := `
		INSERT INTO messages (id, chat_id, sender_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + messageColumns
	m := &store.Message{}
	if err := scanMessage(r.db.QueryRowContext(ctx, query, uuid.NewString(), chatID, senderID, content), m); err != nil {
		return nil, translate(err, "create message")
	}
	return m, nil
}

func (r *Repository) UpdateMessagesStatus(ctx context.Context, chatID, senderID string, from, to store.MessageStatus) (int64, error) {
	query := "UPDATE messages SET status = $4 WHERE chat_id = $1 AND sender_id = $2 AND status = $3"
	res, err := r.db.ExecContext(ctx, query, chatID, senderID, from, to)
	if err != nil {
		return 0, translate(err, "update message status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translate(err, "update message status")
	}
	return n, nil
}

// ListMessages returns the most recent limit messages in ascending order.
func (r *Repository) ListMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`
	return r.queryMessages(ctx, "list messages", query, chatID, limit)
}

func (r *Repository) ListUnseenFor(ctx context.Context, userID string) ([]store.Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.status, m.created_at
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE (c.user_low = $1 OR c.user_high = $1)
		  AND m.sender_id <> $1
		  AND m.status = 'UNSEEN'
		ORDER BY m.created_at DESC
	`
	return r.queryMessages(ctx, "list unseen", query, userID)
}

// AdjustCredits applies delta with one conditional UPDATE so concurrent
// debits and credits serialize on the row lock.
func (r *Repository) AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	query := "UPDATE users SET credits = credits + $2 WHERE id = $1 AND credits + $2 >= 0 RETURNING credits"
	err := r.db.QueryRowContext(ctx, query, userID, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, translate(err, "adjust credits")
	}

	// No row updated: either the user is unknown or the balance is short.
	if err := r.db.QueryRowContext(ctx, "SELECT credits FROM users WHERE id = $1", userID).Scan(&balance); err != nil {
		return 0, translate(err, "read credits")
	}
	return balance, apperr.New(apperr.KindInsufficientCredits, "balance %d is below %d", balance, -delta)
}

func (r *Repository) Purge(ctx context.Context) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, translate(err, "purge")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM messages")
	if err != nil {
		return 0, 0, translate(err, "purge messages")
	}
	msgs, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, "DELETE FROM chats")
	if err != nil {
		return 0, 0, translate(err, "purge chats")
	}
	chats, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, translate(err, "purge commit")
	}
	return msgs, chats, nil
}

var _ store.Store = (*Repository)(nil)

// EnsureUser inserts a user row if missing. The profile service normally
// owns user rows; this exists for the admin CLI and tests.
func (r *Repository) EnsureUser(ctx context.Context, userID, name string, credits int64) error {
	query := "INSERT INTO users (id, name, credits) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING"
	if _, err := r.db.ExecContext(ctx, query, userID, name, credits); err != nil {
		return translate(err, "ensure user")
	}
	return nil
}
