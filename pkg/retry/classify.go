package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Decision is the outcome of classifying one attempt.
type Decision int

const (
	Success Decision = iota
	Retry
	Permanent
)

func (d Decision) String() string {
	switch d {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "permanent"
	}
}

// Classify decides what an attempt's result means for the operation.
// Transport errors and timeouts are transient, as are 429, 502, 503 and 504.
// Every other non-2xx response is permanent.
func Classify(statusCode int, err error) Decision {
	if err != nil {
		return Retry
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Success
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return Retry
	default:
		return Permanent
	}
}

// Reason labels a transport error for logs and metrics.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	return "network"
}
