// Package antispam protects the upstream lobby session from chat users who
// would otherwise drive the bot into rate-limit violations. It accumulates
// time-windowed penalty points per (channel, user) pair and watches for
// status-change floods, issuing mute and kick directives upstream when a
// threshold is crossed.
package antispam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lobbyserv/gateway/internal/metrics"
	"github.com/lobbyserv/gateway/internal/store"
)

const (
	// statusChangeInterval is the window after which a client's status-change
	// counter is reset on next access.
	statusChangeInterval = 3000 * time.Millisecond
	// maxStatusChangeFrequency is the threshold, in milliseconds per change,
	// for the flood verdict.
	maxStatusChangeFrequency = 5.0
	// minStatusChangesBeforeAlert is the sample floor below which no flood
	// verdict is ever issued. A client may legitimately change status a few
	// times in quick succession, e.g. when its game crashes.
	minStatusChangesBeforeAlert = 5

	// muteMinutes is the duration passed with every MUTE directive.
	muteMinutes = 15

	tickInterval = 1000 * time.Millisecond
	// recordIdleExpiry bounds growth of the spam-record table: records not
	// touched for this long are evicted by the housekeeping tick.
	recordIdleExpiry = time.Hour
)

// Upstream is the single writer of the lobby session, used to issue
// moderation directives.
type Upstream interface {
	Send(line string)
}

// spamRecord accumulates penalty state for one (channel, user) pair.
type spamRecord struct {
	penaltyPoints float64
	lastMsg       string
	lastSeen      time.Time
}

// floodState tracks the status-change window for one chat client.
type floodState struct {
	checkpoint    time.Time
	statusChanges int
}

// Engine is the abuse mitigation engine. Both detector tables share one lock,
// held only for the duration of a single detector invocation and never across
// an upstream send.
type Engine struct {
	upstream Upstream
	st       store.Store // may be nil; persistence is optional
	clk      clock.Clock
	log      *zerolog.Logger

	mu       sync.Mutex
	records  map[string]*spamRecord // keyed "channel:user"
	settings map[string]Settings
	flood    map[string]*floodState // keyed by client name
}

// New constructs an engine. st may be nil to disable persistence.
func New(upstream Upstream, st store.Store, logger *zerolog.Logger, clk clock.Clock) *Engine {
	return &Engine{
		upstream: upstream,
		st:       st,
		clk:      clk,
		log:      logger,
		records:  make(map[string]*spamRecord),
		settings: make(map[string]Settings),
		flood:    make(map[string]*floodState),
	}
}

// LoadSettings restores persisted per-channel settings. Malformed rows fall
// back to the defaults, same as a live reconfiguration would.
func (e *Engine) LoadSettings(ctx context.Context) error {
	if e.st == nil {
		return nil
	}
	rows, err := e.st.ChannelSettings(ctx)
	if err != nil {
		return fmt.Errorf("load channel settings: %w", err)
	}
	for _, row := range rows {
		e.applySettings(row.Channel, row.Settings)
	}
	return nil
}

// Run drives the housekeeping tick until ctx is cancelled. The detectors
// perform their window resets lazily on access; the tick only evicts idle
// records so the tables stay bounded.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.Ticker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evictIdle()
		}
	}
}

func (e *Engine) evictIdle() {
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for key, rec := range e.records {
		if now.Sub(rec.lastSeen) > recordIdleExpiry {
			delete(e.records, key)
		}
	}
	for name, fs := range e.flood {
		if now.Sub(fs.checkpoint) > recordIdleExpiry {
			delete(e.flood, name)
		}
	}
}

// ProcessUserMessage scores one observed chat message and mutes the sender
// when the channel's penalty limit is reached.
func (e *Engine) ProcessUserMessage(channel, user, msg string) {
	e.mu.Lock()

	settings, ok := e.settings[channel]
	if !ok {
		settings = DefaultSettings
	}

	key := channel + ":" + user
	rec, ok := e.records[key]
	if !ok {
		rec = &spamRecord{}
		e.records[key] = rec
	}

	severity := settings.NormalMsgPenalty
	if len(msg) > settings.LongMsgLength {
		severity += settings.LongMsgPenalty
	}
	if rec.lastMsg == msg {
		severity += settings.DoubleMsgPenalty
	}

	rec.penaltyPoints += severity
	rec.lastMsg = msg
	rec.lastSeen = e.clk.Now()

	mute := rec.penaltyPoints >= settings.PenaltyLimit
	if mute {
		rec.penaltyPoints = 0
	}

	e.mu.Unlock()

	if mute {
		e.muteUser(channel, user)
	}
}

// ProcessStatusChange counts one status-change event for the named client and
// kicks it when the change frequency is implausibly high.
func (e *Engine) ProcessStatusChange(name string) {
	now := e.clk.Now()

	e.mu.Lock()

	fs, ok := e.flood[name]
	if !ok {
		fs = &floodState{checkpoint: now}
		e.flood[name] = fs
	}

	if now.Sub(fs.checkpoint) > statusChangeInterval {
		fs.checkpoint = now
		fs.statusChanges = 0
	}

	fs.statusChanges++

	elapsed := float64(now.Sub(fs.checkpoint).Milliseconds())
	kick := elapsed/float64(fs.statusChanges) > maxStatusChangeFrequency &&
		fs.statusChanges > minStatusChangesBeforeAlert
	if kick {
		fs.checkpoint = now
		fs.statusChanges = 0
	}

	e.mu.Unlock()

	if kick {
		e.kickUser(name)
	}
}

// SetChannelSettings replaces a channel's settings from an operator-supplied
// string. A malformed string is logged and substituted with the defaults
// rather than rejected.
func (e *Engine) SetChannelSettings(channel, raw string) {
	e.applySettings(channel, raw)

	if e.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.st.SaveChannelSettings(ctx, channel, raw); err != nil {
			e.log.Error().Err(err).Str("channel", channel).Msg("failed to persist channel settings")
		}
	}
}

func (e *Engine) applySettings(channel, raw string) {
	settings, err := ParseSettings(raw)
	if err != nil {
		e.log.Error().Err(err).Str("channel", channel).Str("settings", raw).
			Msg("malformed spam settings, using defaults")
		settings = DefaultSettings
	}

	e.mu.Lock()
	e.settings[channel] = settings
	e.mu.Unlock()
}

func (e *Engine) muteUser(channel, user string) {
	e.upstream.Send(fmt.Sprintf("MUTE %s %s %d", channel, user, muteMinutes))
	e.upstream.Send(fmt.Sprintf(
		"SAYPRIVATE %s You have been temporarily muted due to spamming in channel #%s. You may get temporarily banned if you will continue to spam this channel.",
		user, channel))

	metrics.MutesTotal.Inc()
	e.log.Info().Str("channel", channel).Str("user", user).Msg("muted user for spamming")
	e.recordDirective(store.DirectiveMute, channel, user, "penalty limit reached")
}

func (e *Engine) kickUser(name string) {
	e.upstream.Send(fmt.Sprintf("KICKUSER %s CLIENTSTATUS command abuse - frequency too high", name))

	metrics.KicksTotal.Inc()
	e.log.Info().Str("user", name).Msg("kicked user for status-change flooding")
	e.recordDirective(store.DirectiveKick, "", name, "status-change frequency too high")
}

func (e *Engine) recordDirective(kind store.DirectiveKind, channel, user, reason string) {
	if e.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.RecordDirective(ctx, kind, channel, user, reason); err != nil {
		e.log.Error().Err(err).Str("user", user).Msg("failed to record directive")
	}
}
