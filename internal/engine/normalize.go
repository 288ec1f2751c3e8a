package engine

import (
	"strings"
	"time"

	"tasktalk/internal/domain"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate reads an ISO-8601-like date. A trailing Z means UTC and values
// without an offset are taken as UTC. Unparsable input yields nil.
func ParseDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseStatus(s *string) (domain.Status, bool) {
	if s == nil {
		return "", false
	}
	return domain.ParseStatus(*s)
}

func parsePriority(s *string) (domain.Priority, bool) {
	if s == nil {
		return "", false
	}
	return domain.ParsePriority(*s)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
