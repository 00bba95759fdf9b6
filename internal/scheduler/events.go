package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"melutils/internal/platform"
)

// Event kinds as stored in schedule.eventtype.
const (
	KindDebug              = "debug"
	KindMessage            = "message"
	KindUnban              = "unban"
	KindUnmute             = "unmute"
	KindRefreshMute        = "refresh_mute"
	KindUnThinIce          = "un_thin_ice"
	KindBirthday           = "birthday"
	KindDelBirthdayChannel = "delbirthdaychannel"
)

// Event is one variant of the deferred action union.
type Event interface {
	Kind() string
}

type Debug struct{}

type Message struct {
	Channel platform.ID `json:"channel"`
	Message string      `json:"message"`
}

type Unban struct {
	Guild  platform.ID `json:"guild"`
	Member platform.ID `json:"member"`
}

type Unmute struct {
	Guild  platform.ID `json:"guild"`
	Member platform.ID `json:"member"`
}

// RefreshMute extends a timeout past the platform cap. A nil MuteEnd means permanent.
type RefreshMute struct {
	Guild   platform.ID `json:"guild"`
	Member  platform.ID `json:"member"`
	MuteEnd *Timestamp  `json:"muteend"`
}

type UnThinIce struct {
	Guild       platform.ID `json:"guild"`
	Member      platform.ID `json:"member"`
	ThinIceRole platform.ID `json:"thin_ice_role"`
}

type Birthday struct {
	User     platform.ID `json:"user"`
	Birthday Timestamp   `json:"birthday"`
}

type DelBirthdayChannel struct {
	Channels []platform.ID `json:"channels"`
}

func (Debug) Kind() string              { return KindDebug }
func (Message) Kind() string            { return KindMessage }
func (Unban) Kind() string              { return KindUnban }
func (Unmute) Kind() string             { return KindUnmute }
func (RefreshMute) Kind() string        { return KindRefreshMute }
func (UnThinIce) Kind() string          { return KindUnThinIce }
func (Birthday) Kind() string           { return KindBirthday }
func (DelBirthdayChannel) Kind() string { return KindDelBirthdayChannel }

// Timestamp is an instant encoded as JSON epoch seconds.
type Timestamp struct{ time.Time }

func NewTimestamp(t time.Time) Timestamp { return Timestamp{t.UTC()} }

// TimestampPtr is a convenience for optional payload fields.
func TimestampPtr(t time.Time) *Timestamp {
	ts := NewTimestamp(t)
	return &ts
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(EpochSeconds(t.Time), 'f', -1, 64)), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = FromEpochSeconds(f)
	return nil
}

// EpochSeconds converts t to fractional unix seconds (microsecond precision).
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func FromEpochSeconds(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6))).UTC()
}

// Encode serializes ev for storage.
func Encode(ev Event) (string, []byte, error) {
	if ev == nil {
		return "", nil, fmt.Errorf("%w: nil event", ErrUnknownEventType)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return ev.Kind(), b, nil
}

// Decode parses a stored payload into the variant selected by kind.
func Decode(kind string, data []byte) (Event, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		ev  Event
		err error
	)
	switch kind {
	case KindDebug:
		ev = Debug{}
	case KindMessage:
		var v Message
		err = json.Unmarshal(data, &v)
		ev = v
	case KindUnban:
		var v Unban
		err = json.Unmarshal(data, &v)
		ev = v
	case KindUnmute:
		var v Unmute
		err = json.Unmarshal(data, &v)
		ev = v
	case KindRefreshMute:
		var v RefreshMute
		err = json.Unmarshal(data, &v)
		ev = v
	case KindUnThinIce:
		var v UnThinIce
		err = json.Unmarshal(data, &v)
		ev = v
	case KindBirthday:
		var v Birthday
		err = json.Unmarshal(data, &v)
		ev = v
	case KindDelBirthdayChannel:
		var v DelBirthdayChannel
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}
