package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/njoerd114/apptsync/internal/errs"
)

// rateLimitReasons are 403 reasons that Google uses for throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify wraps a Calendar API error with the matching sentinel from errs.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	// Token failures surface through the transport already classified.
	for _, sentinel := range []error{errs.ErrAuthExpired, errs.ErrNotConnected, errs.ErrTransient} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, errs.ErrAuthExpired, err)
		case gerr.Code == http.StatusNotFound, gerr.Code == http.StatusGone:
			return fmt.Errorf("%s: %w: %v", op, errs.ErrNotFound, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return fmt.Errorf("%s: %w: %v", op, errs.ErrTransient, err)
		case gerr.Code == http.StatusForbidden && isRateLimited(gerr):
			return fmt.Errorf("%s: %w: %v", op, errs.ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}
