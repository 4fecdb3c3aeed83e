package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the presence, chat and message tables. Users are
// provisioned by the profile service; only status and credits are ours.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            name VARCHAR(100) NOT NULL DEFAULT '',
            status VARCHAR(7) NOT NULL DEFAULT 'OFFLINE' CHECK (status IN ('ONLINE', 'OFFLINE')),
            credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY,
            user_low TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            user_high TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (user_low < user_high),
            UNIQUE (user_low, user_high)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            status VARCHAR(6) NOT NULL DEFAULT 'UNSEEN' CHECK (status IN ('UNSEEN', 'SEEN')),
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        )`,

		`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_unseen_idx ON messages (chat_id, sender_id) WHERE status = 'UNSEEN'`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
