// Package suppression decides whether an otherwise due notification is held
// back by a subscription's quiet hours or cooldown.
package suppression

import (
	"fmt"
	"time"
)

// Policy is the suppression configuration carried by every subscription.
// QuietHoursStart and QuietHoursEnd are HH:mm in the server's location.
type Policy struct {
	CooldownMinutes int        `json:"cooldown_minutes,omitempty"`
	QuietHoursStart string     `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string     `json:"quiet_hours_end,omitempty"`
	LastNotifiedAt  *time.Time `json:"last_notified_at,omitempty"`
}

// Reason names the gate that suppressed a notification.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonQuietHours Reason = "quiet_hours"
	ReasonCooldown   Reason = "cooldown"
)

// Decision is the outcome of evaluating a Policy.
type Decision struct {
	Suppressed bool
	Reason     Reason
}

// Evaluate runs both gates against now. Quiet hours are checked first.
func Evaluate(p Policy, now time.Time) Decision {
	if IsWithinQuietHours(p.QuietHoursStart, p.QuietHoursEnd, now) {
		return Decision{Suppressed: true, Reason: ReasonQuietHours}
	}
	if InCooldown(p.LastNotifiedAt, p.CooldownMinutes, now) {
		return Decision{Suppressed: true, Reason: ReasonCooldown}
	}
	return Decision{}
}

// IsWithinQuietHours reports whether now falls inside the [start, end)
// window. A missing or malformed bound means quiet hours are not configured.
// start == end covers the whole day; start > end wraps past midnight.
func IsWithinQuietHours(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return false
	}
	s, err := ParseMinutes(start)
	if err != nil {
		return false
	}
	e, err := ParseMinutes(end)
	if err != nil {
		return false
	}

	cur := now.Hour()*60 + now.Minute()
	switch {
	case s == e:
		return true
	case s < e:
		return cur >= s && cur < e
	default:
		return cur >= s || cur < e
	}
}

// InCooldown reports whether fewer than cooldownMinutes have elapsed since
// lastNotifiedAt.
func InCooldown(lastNotifiedAt *time.Time, cooldownMinutes int, now time.Time) bool {
	if lastNotifiedAt == nil || cooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*lastNotifiedAt) < time.Duration(cooldownMinutes)*time.Minute
}

// ParseMinutes converts a strict HH:mm string into minutes since midnight.
func ParseMinutes(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("expected HH:mm, got %q", s)
	}
	h, ok1 := twoDigits(s[0], s[1])
	m, ok2 := twoDigits(s[3], s[4])
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("expected HH:mm, got %q", s)
	}
	if h >= 24 || m >= 60 {
		return 0, fmt.Errorf("time out of range: %q", s)
	}
	return h*60 + m, nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}
