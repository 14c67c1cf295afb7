package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse builds a Policy from its textual form.
//
// Supported forms:
//   - Interval: "30m", "2h30m", "every:30m", "interval:02:30" (HH:MM is a duration)
//   - Randomized: "random:10m-20m"
//   - Cron: "cron:0 9 * * 1-5", or anything with whitespace or a leading '@'
//   - Daily at a wall time: "daily:09:30"
func Parse(raw string) (Policy, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: period required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidSchedule)
		}
		return NewCron(expr)
	case strings.HasPrefix(low, "daily:"):
		return parseDaily(strings.TrimSpace(s[len("daily:"):]))
	case strings.HasPrefix(low, "random:"):
		return parseRandom(strings.TrimSpace(s[len("random:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseFixed(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseFixed(strings.TrimSpace(s[len("interval:"):]))
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return NewCron(s)
	}
	return parseFixed(s)
}

var (
	reHHMM  = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	reClock = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
)

func parseFixed(v string) (Policy, error) {
	d, err := parseInterval(v)
	if err != nil {
		return nil, err
	}
	return NewFixed(d)
}

func parseRandom(v string) (Policy, error) {
	lo, hi, ok := strings.Cut(v, "-")
	if !ok {
		return nil, fmt.Errorf("%w: random period %q must look like '10m-20m'", ErrInvalidSchedule, v)
	}
	minD, err := parseInterval(lo)
	if err != nil {
		return nil, err
	}
	maxD, err := parseInterval(hi)
	if err != nil {
		return nil, err
	}
	return NewRandomized(minD, maxD)
}

func parseDaily(v string) (Policy, error) {
	m := reClock.FindStringSubmatch(v)
	if m == nil {
		return nil, fmt.Errorf("%w: daily time %q must be HH:MM (00:00-23:59)", ErrInvalidSchedule, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return NewCron(fmt.Sprintf("%d %d * * *", mm, hh))
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or a duration like '55m')", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}
