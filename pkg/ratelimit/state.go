package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// State holds the API's rate limit information from the latest response headers
type State struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Reset     time.Time `json:"reset"`
	Resource  string    `json:"resource,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Known reports whether any rate limit headers have been seen.
func (s State) Known() bool {
	return !s.UpdatedAt.IsZero()
}

// Exhausted reports whether the budget is spent and the reset is still ahead of now.
func (s State) Exhausted(now time.Time) bool {
	return s.Known() && s.Remaining <= 0 && s.Reset.After(now)
}

// update refreshes the state from X-RateLimit-* headers. Absent headers leave it untouched.
func (s *State) update(header http.Header, now time.Time) {
	if header == nil || header.Get("X-RateLimit-Remaining") == "" {
		return
	}

	if limit, err := strconv.Atoi(header.Get("X-RateLimit-Limit")); err == nil {
		s.Limit = limit
	}
	if remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining")); err == nil {
		s.Remaining = remaining
	}
	if used, err := strconv.Atoi(header.Get("X-RateLimit-Used")); err == nil {
		s.Used = used
	}
	if reset, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		s.Reset = time.Unix(reset, 0)
	}
	if resource := header.Get("X-RateLimit-Resource"); resource != "" {
		s.Resource = resource
	}
	s.UpdatedAt = now
}
