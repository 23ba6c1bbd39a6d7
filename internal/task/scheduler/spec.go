package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DailyAt builds a 5-field cron spec firing at HH:MM on every weekday except
// the excluded ones.
func DailyAt(atHHMM string, excluded []time.Weekday) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	skip := map[time.Weekday]bool{}
	for _, d := range excluded {
		if d < time.Sunday || d > time.Saturday {
			return "", fmt.Errorf("invalid weekday %d", d)
		}
		skip[d] = true
	}
	if len(skip) == 0 {
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	days := make([]string, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if !skip[d] {
			days = append(days, strconv.Itoa(int(d)))
		}
	}
	if len(days) == 0 {
		return "", fmt.Errorf("every weekday is excluded")
	}
	return fmt.Sprintf("%d %d * * %s", m, h, strings.Join(days, ",")), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays accepts names ("sun", "Friday") or numbers 0-6 (Sunday=0).
// The result is sorted and de-duplicated.
func ParseWeekdays(in []string) ([]time.Weekday, error) {
	seen := map[time.Weekday]bool{}
	for _, raw := range in {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			continue
		}
		if d, ok := weekdayNames[v]; ok {
			seen[d] = true
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", raw)
		}
		seen[time.Weekday(n)] = true
	}
	out := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ValidHHMM reports whether s is a valid HH:MM time of day.
func ValidHHMM(s string) error {
	_, _, err := parseHHMM(s)
	return err
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
