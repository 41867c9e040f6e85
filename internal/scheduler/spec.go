package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindDaily
)

// Parsed is a schedule string reduced to a robfig/cron spec.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 55m"
//   - Interval: "every:5m", "interval:2h30m" or a bare Go duration "15m"
//   - Daily at HH:MM in the scheduler timezone: "07:30", "daily:07:30"
//
// "cron:" forces cron parsing.
type Parsed struct {
	Kind  Kind
	Spec  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

func ParseSchedule(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Parsed{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Parsed{Kind: KindCron, Spec: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "daily:"):
		return parseDaily(strings.TrimSpace(s[len("daily:"):]))
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Parsed{Kind: KindCron, Spec: s}, nil
	}
	if reHHMM.MatchString(s) {
		return parseDaily(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}
	return Parsed{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', daily HH:MM like '07:30', or interval like 'every:15m')",
		raw,
	)
}

func parseEvery(v string) (Parsed, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Parsed{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Parsed{}, fmt.Errorf("invalid interval %q (use a Go duration like '55m' or '2h30m')", v)
	}
	if d <= 0 {
		return Parsed{}, fmt.Errorf("interval must be > 0")
	}
	return Parsed{Kind: KindInterval, Spec: "@every " + d.String(), Every: d}, nil
}

func parseDaily(v string) (Parsed, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return Parsed{}, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 {
		return Parsed{}, fmt.Errorf("invalid hour in %q", v)
	}
	if mm > 59 {
		return Parsed{}, fmt.Errorf("invalid minute in %q", v)
	}
	return Parsed{Kind: KindDaily, Spec: fmt.Sprintf("%d %d * * *", mm, h)}, nil
}
