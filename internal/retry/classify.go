package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Class is the retry category of a handler error
type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassHistoryGap
	ClassAuth
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassHistoryGap:
		return "history_gap"
	case ClassAuth:
		return "auth"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// Retryable reports whether the job should be retried with backoff
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

var (
	// ErrHistoryGap means the stored change cursor is older than the provider retains
	ErrHistoryGap = errors.New("history cursor expired")
	// ErrAuth means credentials are missing, expired or revoked
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited means the provider or the local limiter refused the call
	ErrRateLimited = errors.New("rate limited")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps an error onto its retry class
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, ErrHistoryGap) {
		return ClassHistoryGap
	}
	if errors.Is(err, ErrAuth) {
		return ClassAuth
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}

	if errors.Is(err, ErrRateLimited) {
		return ClassRateLimited
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyRetrieveError(retrieveErr)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	// Unknown errors get the benefit of the doubt; maxAttempts bounds them.
	return ClassTransient
}

// IsItemLevel reports whether a per-message failure can be logged and skipped
// instead of failing the whole job.
func IsItemLevel(err error) bool {
	return Classify(err) == ClassPermanent
}

func classifyRetrieveError(err *oauth2.RetrieveError) Class {
	if err.Response != nil && err.Response.StatusCode >= 500 {
		return ClassTransient
	}
	return ClassAuth
}

func classifyAPIError(err *googleapi.Error) Class {
	switch {
	case err.Code == http.StatusTooManyRequests:
		return ClassRateLimited
	case err.Code == http.StatusUnauthorized:
		return ClassAuth
	case err.Code == http.StatusForbidden:
		if hasReason(err, "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded") {
			return ClassRateLimited
		}
		return ClassAuth
	case err.Code == http.StatusNotFound:
		return ClassPermanent
	case err.Code >= 500:
		return ClassTransient
	case err.Code >= 400:
		return ClassPermanent
	}
	return ClassTransient
}

func hasReason(err *googleapi.Error, reasons ...string) bool {
	for _, item := range err.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	lower := strings.ToLower(err.Message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota")
}
