package engine

import (
	"strings"
	"time"
)

// Outcome is the classification of one delivery attempt.
type Outcome int

const (
	// OutcomeSuccess is a 2xx response.
	OutcomeSuccess Outcome = iota
	// OutcomeClientError is a 4xx response: terminal, never retried.
	OutcomeClientError
	// OutcomeRetryable is a 5xx response or a transport-level failure.
	OutcomeRetryable
)

// classify maps an attempt's (status, transport error) pair to an Outcome.
// Pure function; the retry loop contains no error-type inspection beyond
// this. A transport error always wins over whatever partial status exists.
func classify(status int, err error) Outcome {
	if err != nil {
		return OutcomeRetryable
	}
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status >= 400 && status < 500:
		return OutcomeClientError
	default:
		// 5xx, plus anything the client hands back that fits no other
		// class (an unfollowed redirect lands here and stays bounded by
		// max_attempts).
		return OutcomeRetryable
	}
}

// retryReason labels a retryable failure for metrics.
func retryReason(status int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
			return "dns_error"
		default:
			return "network"
		}
	}
	if status >= 500 {
		return "http_5xx"
	}
	return "other"
}

// Backoff computes the delay before retry attempt n using capped binary
// exponential growth: min(base * 2^(n-1), max). With the 1s default base
// the observed sequence is 1s, 2s, 4s, ...
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after failed attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
