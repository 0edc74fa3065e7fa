package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(v string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay is ParseTimeOfDay for constants; it panics on malformed input.
func MustTimeOfDay(v string) TimeOfDay {
	t, err := ParseTimeOfDay(v)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalJSON renders "HH:MM".
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts "HH:MM".
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// QuietHours is a daily window, [Start, End) in local time, during which
// alerts are recorded but not delivered. Start > End wraps past midnight;
// Start == End is an empty window.
type QuietHours struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

func (q QuietHours) validate() error {
	if q.Start < 0 || q.Start >= minutesPerDay || q.End < 0 || q.End >= minutesPerDay {
		return fmt.Errorf("quiet_hours out of range: %s-%s", q.Start, q.End)
	}
	return nil
}

// Contains reports whether t, viewed in loc, falls inside the window.
func (q QuietHours) Contains(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	now := TimeOfDay(local.Hour()*60 + local.Minute())

	switch {
	case q.Start == q.End:
		return false
	case q.Start < q.End:
		return now >= q.Start && now < q.End
	default:
		return now >= q.Start || now < q.End
	}
}

// InQuietHours is a nil-safe helper over p.QuietHours.
func (p Policy) InQuietHours(t time.Time, loc *time.Location) bool {
	if p.QuietHours == nil {
		return false
	}
	return p.QuietHours.Contains(t, loc)
}
