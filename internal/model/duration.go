package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPartRe = regexp.MustCompile(`(\d+)\s*([a-z]+)`)

var durationUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseHumanDuration 解析 "30 minutes", "1 day 2 hours", "90s", 纯数字按秒
func ParseHumanDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	matches := durationPartRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total time.Duration
	for _, m := range matches {
		n, _ := strconv.Atoi(m[1])
		unit, ok := durationUnits[m[2]]
		if !ok {
			return 0, fmt.Errorf("invalid duration unit %q", m[2])
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}
