package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseDuration accepts Go duration syntax (90s, 1h30m) and ISO8601
// durations (PT90S, P1DT2H). Negative durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var (
		d   time.Duration
		err error
	)
	if strings.HasPrefix(s, "P") {
		d, err = parseISODuration(s)
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// days and time components only, months and years have no fixed length
var isoDurationRx = regexp.MustCompile(`^P(?:(?P<day>\d+)D)?(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

var isoUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

func parseISODuration(s string) (time.Duration, error) {
	match := isoDurationRx.FindStringSubmatch(s)
	if match == nil || strings.HasSuffix(s, "T") || s == "P" {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		if name == "" || match[i] == "" {
			continue
		}
		n, err := isoNumber(match[i])
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
		}
		part := n * float64(isoUnits[name])
		if part > math.MaxInt64-float64(ret) {
			return 0, fmt.Errorf("%w: %q overflows", ErrISOFormat, s)
		}
		ret += time.Duration(part)
	}
	return ret, nil
}

func isoNumber(s string) (float64, error) {
	s = strings.Replace(s, ",", ".", 1)
	if _, frac, ok := strings.Cut(s, "."); ok && len(frac) > 9 {
		return 0, errors.New("fraction below nanoseconds")
	}
	return strconv.ParseFloat(s, 64)
}
