package service

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron validates a 5 fields cron expression or a @macro.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}

	// @every and @daily style macros are handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseDuration parses ordered day/hour/minute/second segments like 1d12h
// or 90s. Empty string and zero are rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in %s", seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := unit * time.Duration(val)
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	if total == 0 {
		return 0, fmt.Errorf("zero duration: %s", s)
	}
	return total, nil
}
