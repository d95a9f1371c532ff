package resolve

import (
	"strings"
	"time"

	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

const dateLayout = "2006-01-02"

// localLayouts are ISO 8601 date-times without a zone offset.
var localLayouts = []string{"2006-01-02T15:04", "2006-01-02T15:04:05"}

// TemporalOutcome is either a resolved absolute value or ambiguous.
type TemporalOutcome struct {
	Resolved bool
	Value    string
	// Inference is set for every non-literal resolution.
	Inference *domain.Inference
}

// TemporalResolver converts relative date phrases under a fixed timezone.
type TemporalResolver struct {
	Location *time.Location
	// Anchor is the weekday "next week" lands on.
	Anchor time.Weekday
}

// ResolveDue resolves the due expression for field relative to now.
func (r TemporalResolver) ResolveDue(field string, expression any, now time.Time) TemporalOutcome {
	raw, ok := expression.(string)
	if !ok {
		return TemporalOutcome{}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TemporalOutcome{}
	}
	if _, err := time.Parse(dateLayout, raw); err == nil {
		return TemporalOutcome{Resolved: true, Value: raw}
	}
	if IsAbsoluteDateTime(raw) {
		return TemporalOutcome{Resolved: true, Value: raw}
	}

	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	phrase := strings.ToLower(strings.Join(strings.Fields(raw), " "))

	var (
		day      time.Time
		strategy string
	)
	switch {
	case phrase == "today":
		day, strategy = today, "today"
	case phrase == "tomorrow":
		day, strategy = today.AddDate(0, 0, 1), "tomorrow"
	case phrase == "next week":
		day = startOfWeek(today).AddDate(0, 0, 7+isoOffset(r.Anchor))
		strategy = "next_week_" + strings.ToLower(r.Anchor.String())
	case strings.HasPrefix(phrase, "next week "):
		wd, ok := config.ParseWeekday(strings.TrimPrefix(phrase, "next week "))
		if !ok {
			return TemporalOutcome{}
		}
		day = startOfWeek(today).AddDate(0, 0, 7+isoOffset(wd))
		strategy = "next_week_" + strings.ToLower(wd.String())
	default:
		name := strings.TrimPrefix(phrase, "next ")
		wd, ok := config.ParseWeekday(name)
		if !ok {
			return TemporalOutcome{}
		}
		day = nextWeekday(today, wd)
		strategy = "next_" + strings.ToLower(wd.String())
	}
	value := day.Format(dateLayout)
	return TemporalOutcome{
		Resolved: true,
		Value:    value,
		Inference: &domain.Inference{
			Field:         field,
			InferredFrom:  raw,
			Strategy:      strategy,
			ResolvedValue: value,
		},
	}
}

// IsAbsoluteDate reports whether s is a literal YYYY-MM-DD date.
func IsAbsoluteDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// IsAbsoluteDateTime reports whether s is an RFC 3339 timestamp or an ISO
// 8601 date-time without an offset.
func IsAbsoluteDateTime(s string) bool {
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	for _, layout := range localLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// isoOffset is the weekday's distance from Monday.
func isoOffset(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func startOfWeek(day time.Time) time.Time {
	return day.AddDate(0, 0, -isoOffset(day.Weekday()))
}

// nextWeekday is the first target strictly after day.
func nextWeekday(day time.Time, target time.Weekday) time.Time {
	delta := (int(target) - int(day.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return day.AddDate(0, 0, delta)
}
