package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lobbyserv/gateway/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_settings (
	channel    TEXT PRIMARY KEY,
	settings   TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS directives (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	channel    TEXT NOT NULL DEFAULT '',
	user       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file; ":memory:" works for tests.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ChannelSettings returns every stored per-channel settings row.
func (s *SQLiteStore) ChannelSettings(ctx context.Context) ([]store.ChannelSettings, error) {
	query := `
		SELECT channel, settings, updated_at
		FROM channel_settings
		ORDER BY channel
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channel settings: %w", err)
	}
	defer rows.Close()

	var out []store.ChannelSettings
	for rows.Next() {
		var cs store.ChannelSettings
		if err := rows.Scan(&cs.Channel, &cs.Settings, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel settings: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel settings: %w", err)
	}
	return out, nil
}

// SaveChannelSettings inserts or replaces the settings string for a channel.
func (s *SQLiteStore) SaveChannelSettings(ctx context.Context, channel, settings string) error {
	query := `
		INSERT INTO channel_settings (channel, settings, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel) DO UPDATE SET
			settings = excluded.settings,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, channel, settings); err != nil {
		return fmt.Errorf("save channel settings: %w", err)
	}
	return nil
}

// RecordDirective appends one moderation action to the audit trail.
func (s *SQLiteStore) RecordDirective(ctx context.Context, kind store.DirectiveKind, channel, user, reason string) error {
	query := `
		INSERT INTO directives (kind, channel, user, reason)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, string(kind), channel, user, reason); err != nil {
		return fmt.Errorf("record directive: %w", err)
	}
	return nil
}

// Directives returns the most recent audit rows, newest first.
func (s *SQLiteStore) Directives(ctx context.Context, limit int) ([]store.Directive, error) {
	query := `
		SELECT id, kind, channel, user, reason, created_at
		FROM directives
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query directives: %w", err)
	}
	defer rows.Close()

	var out []store.Directive
	for rows.Next() {
		var d store.Directive
		var kind string
		if err := rows.Scan(&d.ID, &kind, &d.Channel, &d.User, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		d.Kind = store.DirectiveKind(kind)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directives: %w", err)
	}
	return out, nil
}
