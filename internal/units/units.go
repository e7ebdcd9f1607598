// Package units parses and formats the human oriented values found in the
// migration configuration files and command lines: time durations such as
// "1h30mn", data amounts such as "10GiB" and loose booleans.
package units

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes is an amount of data in bytes.
type Bytes uint64

func (b Bytes) String() string { return humanize.IBytes(uint64(b)) }

var (
	durationSyntax = regexp.MustCompile(`^(\d+(s|mn?|h|d)?)+$`)
	durationPart   = regexp.MustCompile(`(\d+)(s|mn?|h|d)?`)
	amountSyntax   = regexp.MustCompile(`^\d+(?:[KMGTPE]i?)?B?$`)

	durationUnits = map[string]time.Duration{
		"":   time.Second,
		"s":  time.Second,
		"m":  time.Minute,
		"mn": time.Minute,
		"h":  time.Hour,
		"d":  24 * time.Hour,
	}

	trues  = []string{"true", "1", "t", "y", "yes"}
	falses = []string{"false", "0", "f", "n", "no"}
)

// ParseDuration accepts the compact syntax "<n>[s|m|mn|h|d]..." where a bare
// number counts seconds ("90", "1h30mn", "2d"). Anything else is handed to
// time.ParseDuration so "1m30s" or "250ms" work as well.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if durationSyntax.MatchString(s) {
		var total time.Duration
		for _, m := range durationPart.FindAllStringSubmatch(s, -1) {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			total += time.Duration(n) * durationUnits[m[2]]
		}
		return total, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// ParseBytes parses "<n>[K|M|G|T|P|E][i][B]". Suffixes without "i" are powers
// of 1000, suffixes with "i" powers of 1024.
func ParseBytes(s string) (Bytes, error) {
	s = strings.TrimSpace(s)
	if !amountSyntax.MatchString(s) {
		return 0, fmt.Errorf("invalid data amount %q", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid data amount %q: %w", s, err)
	}
	return Bytes(n), nil
}

// ParseBool accepts true/false, 1/0, t/f, y/n and yes/no in any case.
func ParseBool(s string) (bool, error) {
	l := strings.ToLower(strings.TrimSpace(s))
	for _, v := range trues {
		if l == v {
			return true, nil
		}
	}
	for _, v := range falses {
		if l == v {
			return false, nil
		}
	}
	return false, fmt.Errorf("invalid boolean %q (accepted: %s and %s)", s,
		strings.Join(trues, ","), strings.Join(falses, ","))
}

// FormatAge renders d as "1d2h3mn", "4mn5s" or "1.25s". Seconds are dropped
// once days are present and only keep two decimals when they stand alone.
func FormatAge(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	var b strings.Builder
	secs := d.Seconds()
	days := int64(secs) / 86400
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		secs -= float64(days * 86400)
	}
	if h := int64(secs) / 3600; h > 0 {
		fmt.Fprintf(&b, "%dh", h)
		secs -= float64(h * 3600)
	}
	if m := int64(secs) / 60; m > 0 {
		fmt.Fprintf(&b, "%dmn", m)
		secs -= float64(m * 60)
	}
	if secs > 0 && days == 0 {
		if b.Len() > 0 {
			fmt.Fprintf(&b, "%ds", int64(secs))
		} else {
			fmt.Fprintf(&b, "%.2fs", secs)
		}
	}
	if b.Len() == 0 {
		return "0s"
	}
	return b.String()
}
