package github

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RateLimitError reports provider-side quota exhaustion. ResetAt is zero
// when the provider gave no usable reset hint
type RateLimitError struct {
	Status  int
	ResetAt time.Time
}

// Error interface
func (e *RateLimitError) Error() string {
	return "github rate limited status " + strconv.Itoa(e.Status)
}

// ResetHint extracts the provider reset time from err when it carries one
func ResetHint(err error) (time.Time, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) && !rle.ResetAt.IsZero() {
		return rle.ResetAt, true
	}
	return time.Time{}, false
}

func parseRateHeaders(h http.Header) (remaining int, reset time.Time, retryAfter int) {
	remaining = atoi(h.Get("X-RateLimit-Remaining"))
	if rs := h.Get("X-RateLimit-Reset"); rs != "" {
		if sec := atoi(rs); sec > 0 {
			reset = time.Unix(int64(sec), 0).UTC()
		}
	}
	retryAfter = atoi(h.Get("Retry-After"))
	return
}

// resetTime resolves the effective reset moment from the rate headers,
// preferring Retry-After when present
func resetTime(reset time.Time, retryAfter int, now time.Time) time.Time {
	if retryAfter > 0 {
		return now.Add(time.Duration(retryAfter) * time.Second)
	}
	return reset
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	i, _ := strconv.Atoi(s)
	return i
}

func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 512))
	return rc.Close()
}
