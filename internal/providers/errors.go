package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/authpool"
)

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, truncate(e.Body, 300))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// parseRetryAfter reads a Retry-After header value (seconds form only).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Classify maps a provider failure to the auth pool's error classes. The
// class decides cooldown length and whether the run fails over to another
// profile.
func Classify(err error) authpool.ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return authpool.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return authpool.ErrTimeout
	}
	var api *APIError
	if errors.As(err, &api) {
		switch {
		case api.Status == 401 || api.Status == 403:
			return authpool.ErrAuth
		case api.Status == 402:
			return authpool.ErrBilling
		case api.Status == 429:
			if mentionsBilling(api.Body) {
				return authpool.ErrBilling
			}
			return authpool.ErrRateLimit
		case api.Status == 400 || api.Status == 422:
			return authpool.ErrFormat
		case api.Status == 408:
			return authpool.ErrTimeout
		}
		return authpool.ErrUnknown
	}
	return authpool.ErrUnknown
}

func mentionsBilling(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"billing", "credit", "quota exceeded", "insufficient"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
