package antispam

import (
	"fmt"
	"strconv"
	"strings"
)

// Settings holds per-channel spam detection thresholds. The value is
// immutable; reconfiguring a channel replaces it wholesale.
type Settings struct {
	// PenaltyLimit is the accumulated score at which a mute fires.
	PenaltyLimit float64
	// LongMsgLength is the message length above which LongMsgPenalty applies.
	LongMsgLength int
	// NormalMsgPenalty is added for every message.
	NormalMsgPenalty float64
	// LongMsgPenalty is added for messages longer than LongMsgLength.
	LongMsgPenalty float64
	// DoubleMsgPenalty is added when a message repeats the previous one.
	DoubleMsgPenalty float64
}

// DefaultSettings applies to channels without explicit configuration.
var DefaultSettings = Settings{
	PenaltyLimit:     5.0,
	LongMsgLength:    200,
	NormalMsgPenalty: 1.0,
	LongMsgPenalty:   0.5,
	DoubleMsgPenalty: 0.5,
}

// ParseSettings parses an operator-supplied settings string of the form
// "<penaltyLimit> <longMsgLength> <normalPenalty> <longPenalty> <doublePenalty>".
func ParseSettings(raw string) (Settings, error) {
	fields := strings.Fields(raw)
	if len(fields) != 5 {
		return Settings{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	limit, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Settings{}, fmt.Errorf("penalty limit: %w", err)
	}
	longLen, err := strconv.Atoi(fields[1])
	if err != nil {
		return Settings{}, fmt.Errorf("long message length: %w", err)
	}
	normal, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Settings{}, fmt.Errorf("normal penalty: %w", err)
	}
	long, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Settings{}, fmt.Errorf("long penalty: %w", err)
	}
	double, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return Settings{}, fmt.Errorf("double penalty: %w", err)
	}

	if limit <= 0 || longLen < 0 || normal < 0 || long < 0 || double < 0 {
		return Settings{}, fmt.Errorf("negative or zero threshold in %q", raw)
	}

	return Settings{
		PenaltyLimit:     limit,
		LongMsgLength:    longLen,
		NormalMsgPenalty: normal,
		LongMsgPenalty:   long,
		DoubleMsgPenalty: double,
	}, nil
}

// String renders the settings back into the parseable operator form.
func (s Settings) String() string {
	return fmt.Sprintf("%g %d %g %g %g",
		s.PenaltyLimit, s.LongMsgLength, s.NormalMsgPenalty, s.LongMsgPenalty, s.DoubleMsgPenalty)
}
