package tokenbudget

import (
	"regexp"
	"strconv"
	"time"

	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
)

// RetryAfterPattern extracts a wait from provider error text. The first
// capture group is a number in Unit.
type RetryAfterPattern struct {
	Re   *regexp.Regexp
	Unit time.Duration
}

const number = `(\d+(?:\.\d+)?)`

// DefaultRetryAfterPatterns cover the hints common providers put in their 429 messages.
var DefaultRetryAfterPatterns = []RetryAfterPattern{
	{regexp.MustCompile(`(?i)retry-after[:=]\s*` + number), time.Second},
	{regexp.MustCompile(`(?i)(?:try\s+again|retry)\s+(?:after|in)\s+` + number + `\s*(?:ms|milliseconds?)\b`), time.Millisecond},
	{regexp.MustCompile(`(?i)(?:try\s+again|retry)\s+(?:after|in)\s+` + number + `\s*(?:m|mins?|minutes?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)(?:try\s+again|retry)\s+(?:after|in)\s+` + number + `\s*(?:s|secs?|seconds?)?\b`), time.Second},
	{regexp.MustCompile(`(?i)wait\s+` + number + `\s*(?:s|secs?|seconds?)\b`), time.Second},
	{regexp.MustCompile(`(?i)` + number + `\s*(?:s|secs?|seconds?)\s+(?:cooldown|delay|wait)`), time.Second},
}

// ParseRetryAfter extracts a suggested wait from err using the limiter's patterns.
func (l *Limiter) ParseRetryAfter(err error) (time.Duration, bool) {
	return parseRetryAfter(err, l.patterns, l.clock.Now())
}

// ParseRetryAfter extracts a suggested wait from err using DefaultRetryAfterPatterns.
func ParseRetryAfter(err error) (time.Duration, bool) {
	return parseRetryAfter(err, DefaultRetryAfterPatterns, time.Now())
}

func parseRetryAfter(err error, patterns []RetryAfterPattern, now time.Time) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	if meta := ratelimit.MetadataOf(err); meta != nil {
		if d, ok := meta.RetryAfter(now); ok {
			return d, true
		}
	}

	text := err.Error()
	for _, pattern := range patterns {
		matches := pattern.Re.FindStringSubmatch(text)
		if len(matches) < 2 {
			continue
		}
		value, parseErr := strconv.ParseFloat(matches[1], 64)
		if parseErr != nil || value <= 0 {
			continue
		}
		return time.Duration(value * float64(pattern.Unit)), true
	}
	return 0, false
}
