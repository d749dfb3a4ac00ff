package gcal

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Typed failures surfaced to the sync engine. The gateway never retries;
// callers decide whether a failure is fatal for their operation.
var (
	// ErrUnauthorized means the bearer credential was rejected (expired or
	// revoked token, missing scope).
	ErrUnauthorized = errors.New("calendar credential rejected")

	// ErrNotFound means the event (or channel) no longer exists on the
	// provider — typically deleted out-of-band.
	ErrNotFound = errors.New("calendar resource not found")

	// ErrRateLimited means the provider asked us to back off.
	ErrRateLimited = errors.New("calendar rate limit exceeded")
)

// classify maps a Google API error onto the gateway's failure taxonomy.
// Transient transport errors pass through wrapped but untyped.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, gerr.Message)
		case http.StatusForbidden:
			// 403 is ambiguous: quota errors use it too.
			for _, e := range gerr.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return fmt.Errorf("%s: %w", op, ErrRateLimited)
				}
			}
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, gerr.Message)
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", op, ErrRateLimited)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
