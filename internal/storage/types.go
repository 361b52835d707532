package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownInstrument is returned when parsing an instrument outside the
// closed set of groups.
var ErrUnknownInstrument = errors.New("storage: unknown instrument")

// Instrument identifies an instrument group.
type Instrument string

const (
	InstrumentDnB   Instrument = "dnb"
	InstrumentBells Instrument = "bells"
	InstrumentBrass Instrument = "brass"
	InstrumentPiano Instrument = "piano"
)

// InstrumentInfo describes how an instrument group is presented.
type InstrumentInfo struct {
	Key   Instrument `json:"key"`
	Label string     `json:"label"`
	Icon  string     `json:"icon"`
}

// Instruments is the closed set of instrument groups, in display order.
// Adding a group here is the only change needed for it to be aggregated and
// displayed everywhere.
var Instruments = []InstrumentInfo{
	{Key: InstrumentDnB, Label: "Drum & Bass", Icon: "🥁"},
	{Key: InstrumentBells, Label: "Bells & Guitars", Icon: "🔔"},
	{Key: InstrumentBrass, Label: "Brass & Winds", Icon: "🎺"},
	{Key: InstrumentPiano, Label: "Piano & Strings", Icon: "🎹"},
}

// ParseInstrument normalizes and validates an instrument key.
func ParseInstrument(s string) (Instrument, error) {
	i := Instrument(strings.ToLower(strings.TrimSpace(s)))
	if !i.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstrument, s)
	}
	return i, nil
}

// Valid reports whether i is one of the known groups.
func (i Instrument) Valid() bool {
	_, ok := i.info()
	return ok
}

// Label returns the human readable group name.
func (i Instrument) Label() string {
	if info, ok := i.info(); ok {
		return info.Label
	}
	return string(i)
}

// Icon returns the group's icon.
func (i Instrument) Icon() string {
	if info, ok := i.info(); ok {
		return info.Icon
	}
	return "?"
}

func (i Instrument) info() (InstrumentInfo, bool) {
	for _, info := range Instruments {
		if info.Key == i {
			return info, true
		}
	}
	return InstrumentInfo{}, false
}

// GlobalClock is the shared loop clock. Both values are versioned
// last-writer-wins registers.
type GlobalClock struct {
	ReferenceTimestamp *int64 `json:"globalTimestamp"`
	ReferenceVersion   int64  `json:"globalTimestampVersion"`
	LoopEnabled        bool   `json:"loopEnabled"`
	LoopVersion        int64  `json:"loopEnabledVersion"`
}

// Reference returns the loop start in epoch milliseconds, if one was set.
func (c GlobalClock) Reference() (int64, bool) {
	if c.ReferenceTimestamp == nil {
		return 0, false
	}
	return *c.ReferenceTimestamp, true
}

// WithReference returns a copy of c with the reference replaced.
func (c GlobalClock) WithReference(ts, version int64) GlobalClock {
	c.ReferenceTimestamp = &ts
	c.ReferenceVersion = version
	return c
}

// Interval is one activation, in epoch milliseconds. End is nil while the
// interval is still open.
type Interval struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// Open reports whether the interval has not been closed yet.
func (iv Interval) Open() bool {
	return iv.End == nil
}

// Millis returns the interval length, using now for an open interval.
// Spans that would be negative count as zero.
func (iv Interval) Millis(now int64) int64 {
	end := now
	if iv.End != nil {
		end = *iv.End
	}
	if end < iv.Start {
		return 0
	}
	return end - iv.Start
}

// UserSession is the presence record owned by one connected client.
type UserSession struct {
	ID                string     `json:"id"`
	Instrument        Instrument `json:"instrument,omitempty"`
	Playing           bool       `json:"playing"`
	JoinedAt          int64      `json:"joinedAt"`
	ActivationRecords []Interval `json:"activationRecords"`
}

// OpenInterval returns the trailing open interval, if any.
func (s UserSession) OpenInterval() (Interval, bool) {
	if n := len(s.ActivationRecords); n > 0 && s.ActivationRecords[n-1].Open() {
		return s.ActivationRecords[n-1], true
	}
	return Interval{}, false
}

// Clone returns a deep copy of s.
func (s UserSession) Clone() UserSession {
	out := s
	out.ActivationRecords = make([]Interval, len(s.ActivationRecords))
	for i, iv := range s.ActivationRecords {
		out.ActivationRecords[i] = Interval{Start: iv.Start}
		if iv.End != nil {
			end := *iv.End
			out.ActivationRecords[i].End = &end
		}
	}
	return out
}

// DepartedSession is a presence record removed after its owner stopped
// heartbeating, or left explicitly.
type DepartedSession struct {
	Session  UserSession `json:"session"`
	LastSeen int64       `json:"lastSeen"`
}

// Closed returns the departed session with any open interval closed at the
// last heartbeat and playing cleared.
func (d DepartedSession) Closed() UserSession {
	s := d.Session.Clone()
	s.Playing = false
	if n := len(s.ActivationRecords); n > 0 && s.ActivationRecords[n-1].Open() {
		end := d.LastSeen
		if end < s.ActivationRecords[n-1].Start {
			end = s.ActivationRecords[n-1].Start
		}
		s.ActivationRecords[n-1].End = &end
	}
	return s
}

// DecodeUserSession decodes a presence record. Missing fields keep their zero
// values, so a missing start reads as 0 and a missing end as open.
func DecodeUserSession(data []byte) (*UserSession, error) {
	var s UserSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode user session: %w", err)
	}
	return &s, nil
}
