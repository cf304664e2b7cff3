package store

import (
	"context"
	"time"
)

// ChannelSettings is a per-channel spam-settings string as configured by an
// operator. The gateway treats the value as opaque; parsing belongs to the
// antispam package.
type ChannelSettings struct {
	Channel   string
	Settings  string
	UpdatedAt time.Time
}

// Directive is one moderation action taken by the abuse engine, kept as an
// audit trail.
type Directive struct {
	ID        int64
	Kind      DirectiveKind
	Channel   string // empty for kicks, which are not channel-scoped
	User      string
	Reason    string
	CreatedAt time.Time
}

// DirectiveKind distinguishes audit records.
type DirectiveKind string

const (
	DirectiveMute DirectiveKind = "mute"
	DirectiveKick DirectiveKind = "kick"
)

// SettingsStore persists per-channel spam settings across restarts.
type SettingsStore interface {
	// ChannelSettings returns every stored settings row.
	ChannelSettings(ctx context.Context) ([]ChannelSettings, error)
	// SaveChannelSettings inserts or replaces the settings string for a channel.
	SaveChannelSettings(ctx context.Context, channel, settings string) error
}

// AuditStore records moderation directives issued by the abuse engine.
type AuditStore interface {
	RecordDirective(ctx context.Context, kind DirectiveKind, channel, user, reason string) error
	// Directives returns the most recent audit rows, newest first.
	Directives(ctx context.Context, limit int) ([]Directive, error)
}

// Store is the combined persistence interface the gateway wires at startup.
type Store interface {
	SettingsStore
	AuditStore
	Close() error
}
