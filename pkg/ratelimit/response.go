package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is the part of an API response the executor inspects.
type Response struct {
	StatusCode int
	Header     http.Header
	// Message is the error message or a body excerpt.
	Message string
}

// ResponseError is a failed call together with its response metadata.
type ResponseError struct {
	Response *Response
	Err      error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.Response.StatusCode, e.Err)
	}
	return fmt.Sprintf("status %d: %s", e.Response.StatusCode, e.Response.Message)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// ResponseMetadata returns the response that produced the error.
func (e *ResponseError) ResponseMetadata() *Response {
	return e.Response
}

// metadataCarrier is implemented by errors that know the response they came from.
type metadataCarrier interface {
	ResponseMetadata() *Response
}

// MetadataOf finds response metadata anywhere in err's chain.
func MetadataOf(err error) *Response {
	var carrier metadataCarrier
	if errors.As(err, &carrier) {
		return carrier.ResponseMetadata()
	}
	return nil
}

// Kind is the class of rate limit a response signals.
type Kind int

const (
	KindNone Kind = iota
	KindPrimary
	KindSecondary
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindSecondary:
		return "secondary"
	default:
		return "none"
	}
}

// Classify tells primary from secondary rate limits. Secondary limits are
// 403/429 responses that mention the secondary limit or abuse detection.
func Classify(resp *Response) Kind {
	if resp == nil {
		return KindNone
	}
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return KindNone
	}

	msg := strings.ToLower(resp.Message)
	if strings.Contains(msg, "secondary rate limit") || strings.Contains(msg, "abuse") {
		return KindSecondary
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return KindPrimary
	}
	if strings.Contains(msg, "rate limit") || resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return KindPrimary
	}
	return KindNone
}

// IsRateLimited reports whether err carries a rate-limited response.
func IsRateLimited(err error) bool {
	return Classify(MetadataOf(err)) != KindNone
}

// RetryAfter parses the Retry-After header, in seconds or as an HTTP date.
func (r *Response) RetryAfter(now time.Time) (time.Duration, bool) {
	if r == nil || r.Header == nil {
		return 0, false
	}
	value := strings.TrimSpace(r.Header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
