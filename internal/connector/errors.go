package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies connector failures independently of the transport.
type Code string

const (
	CodeTimeout           Code = "TIMEOUT"
	CodeAuth              Code = "AUTH"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeBadResponse       Code = "BAD_RESPONSE"
	CodeUnknown           Code = "UNKNOWN"
	CodeReadOnlyViolation Code = "READ_ONLY_VIOLATION"
)

// ErrCircuitOpen is wrapped by the UNAVAILABLE error returned while a
// connector's breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Error is the only error type returned by TransportConnector calls.
type Error struct {
	Code        Code
	ConnectorID string
	Op          string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connector %s %s: %s: %v", e.ConnectorID, e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed if repeated later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeAuth, CodeBadResponse, CodeReadOnlyViolation:
		return false
	default:
		return true
	}
}

var classifyPatterns = []struct {
	code     Code
	patterns []string
}{
	{CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeAuth, []string{"unauthorized", "unauthenticated", "forbidden", "permission denied", "invalid token", "invalid api key"}},
	{CodeUnavailable, []string{"unavailable", "connection refused", "connection reset", "no such host", "circuit breaker open"}},
	{CodeBadResponse, []string{"bad response", "invalid character", "unexpected end of json", "malformed", "cannot unmarshal", "decode"}},
}

// statusCodes are matched as whole tokens so that numbers which merely
// contain them ("read 1403 bytes") are not mistaken for HTTP statuses.
var statusCodes = map[string]Code{
	"401": CodeAuth,
	"403": CodeAuth,
	"502": CodeUnavailable,
	"503": CodeUnavailable,
	"504": CodeUnavailable,
}

// ClassifyError maps a raw failure to a Code. gRPC status codes are used
// when present; otherwise the message is matched against known patterns.
func ClassifyError(err error) Code {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return CodeTimeout
		case codes.Unauthenticated, codes.PermissionDenied:
			return CodeAuth
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return CodeUnavailable
		case codes.DataLoss, codes.InvalidArgument, codes.FailedPrecondition:
			return CodeBadResponse
		}
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifyPatterns {
		for _, p := range c.patterns {
			if strings.Contains(msg, p) {
				return c.code
			}
		}
	}
	for _, tok := range strings.FieldsFunc(msg, func(r rune) bool { return r < '0' || r > '9' }) {
		if code, ok := statusCodes[tok]; ok {
			return code
		}
	}
	return CodeUnknown
}
