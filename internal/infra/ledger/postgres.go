// Package ledger stores the notification ledger in PostgreSQL. Every query
// goes through DBTX, which both *pgxpool.Pool and pgx.Tx satisfy.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildbell/internal/domain/jobs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ jobs.Ledger = (*PostgresLedger)(nil)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the ledger table. The primary key is the uniqueness
// guarantee RecordIfNew relies on.
const Schema = `
CREATE TABLE IF NOT EXISTS notification_ledger (
	provider    TEXT        NOT NULL,
	event_id    TEXT        NOT NULL,
	guild_id    TEXT        NOT NULL DEFAULT '',
	channel_id  TEXT        NOT NULL DEFAULT '',
	message_id  TEXT        NOT NULL DEFAULT '',
	forced      BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, event_id)
)`

// PostgresLedger implements jobs.Ledger on a single table keyed by
// (provider, event_id).
type PostgresLedger struct {
	db  DBTX
	now func() time.Time
}

// NewPostgresLedger creates a ledger over db.
func NewPostgresLedger(db DBTX) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

// NewPool opens a pgx connection pool and verifies it with a ping.
func NewPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Migrate creates the ledger table if it does not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("creating ledger table: %w", err)
	}
	return nil
}

// RecordIfNew inserts the entry unless (provider, event_id) exists.
//
//	INSERT ... ON CONFLICT (provider, event_id) DO NOTHING
//
// RowsAffected is 1 when this call created the row and 0 when another caller
// got there first.
func (l *PostgresLedger) RecordIfNew(ctx context.Context, e jobs.LedgerEntry) (bool, error) {
	now := l.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	tag, err := l.db.Exec(ctx,
		`INSERT INTO notification_ledger
		   (provider, event_id, guild_id, channel_id, message_id, forced, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		e.Provider,
		e.EventID,
		e.GuildID,
		e.ChannelID,
		e.MessageID,
		e.Forced,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("recording %s/%s: %w", e.Provider, e.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Has reports whether an entry exists.
func (l *PostgresLedger) Has(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM notification_ledger WHERE provider = $1 AND event_id = $2
		 )`,
		provider, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", provider, eventID, err)
	}
	return exists, nil
}

// SetMessageMeta upserts the delivered message onto the entry. Forced sends
// have no prior claim, so the row is created when missing.
func (l *PostgresLedger) SetMessageMeta(ctx context.Context, provider, eventID string, meta jobs.MessageMeta) error {
	now := l.now().UTC()
	_, err := l.db.Exec(ctx,
		`INSERT INTO notification_ledger
		   (provider, event_id, guild_id, channel_id, message_id, forced, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (provider, event_id) DO UPDATE
		   SET guild_id   = EXCLUDED.guild_id,
		       channel_id = EXCLUDED.channel_id,
		       message_id = EXCLUDED.message_id,
		       forced     = notification_ledger.forced OR EXCLUDED.forced,
		       updated_at = EXCLUDED.updated_at`,
		provider,
		eventID,
		meta.GuildID,
		meta.ChannelID,
		meta.MessageID,
		meta.Forced,
		now,
	)
	if err != nil {
		return fmt.Errorf("storing message for %s/%s: %w", provider, eventID, err)
	}
	return nil
}

// GetOne returns the entry, or nil, nil if absent.
func (l *PostgresLedger) GetOne(ctx context.Context, provider, eventID string) (*jobs.LedgerEntry, error) {
	e := jobs.LedgerEntry{Provider: provider, EventID: eventID}
	err := l.db.QueryRow(ctx,
		`SELECT guild_id, channel_id, message_id, forced, created_at, updated_at
		 FROM notification_ledger
		 WHERE provider = $1 AND event_id = $2`,
		provider, eventID,
	).Scan(&e.GuildID, &e.ChannelID, &e.MessageID, &e.Forced, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", provider, eventID, err)
	}
	return &e, nil
}
