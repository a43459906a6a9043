package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Timetable says when a schedule fires. It is stored as JSON.
type Timetable struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func ParseTimetable(raw string) (*Timetable, error) {
	var tt Timetable
	if err := json.Unmarshal([]byte(raw), &tt); err != nil {
		return nil, err
	}
	return &tt, nil
}

// NextRun returns the first firing strictly after now, or nil when the
// timetable is invalid or will never fire again.
func NextRun(raw string, now time.Time) *time.Time {
	tt, err := ParseTimetable(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch tt.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(tt.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if tt.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(tt.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(tt.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// Describe returns a human readable form of a stored timetable.
func Describe(raw string) string {
	tt, err := ParseTimetable(raw)
	if err != nil {
		return raw
	}

	switch tt.Kind {
	case KindCron:
		return tt.CronExpr
	case KindInterval:
		d := time.Duration(tt.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d >= time.Minute && d%time.Minute == 0:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(tt.AtMs).UTC().Format(time.RFC3339)
	default:
		return raw
	}
}

// Normalize accepts a JSON timetable, a plain cron expression or
// "every <duration>" and returns the JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var tt Timetable
	if err := json.Unmarshal([]byte(raw), &tt); err == nil && tt.Kind != "" {
		switch tt.Kind {
		case KindCron:
			if !gronx.New().IsValid(tt.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", tt.CronExpr)
			}
		case KindInterval:
			if tt.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case KindOnce:
			if tt.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", tt.Kind)
		}
		return raw, nil
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(raw), "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid interval: %s", raw)
		}
		tt = Timetable{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	} else {
		if !gronx.New().IsValid(raw) {
			return "", fmt.Errorf("invalid schedule: not a timetable, interval or cron expression: %s", raw)
		}
		tt = Timetable{Kind: KindCron, CronExpr: raw}
	}

	data, err := json.Marshal(tt)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
