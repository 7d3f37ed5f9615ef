package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus reports whether an upstream answer with this status
// may succeed when the trainee simply tries again.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Realtime error codes and types the remote persona reports on the control
// channel that clear up on their own.
var transientRealtimeErrors = map[string]bool{
	"rate_limit_exceeded":                      true,
	"server_error":                             true,
	"internal_error":                           true,
	"conversation_already_has_active_response": true,
	"response_cancel_not_active":               true,
}

// IsRetryableRealtimeError classifies a persona error event by its code (or
// type when the code is empty).
func IsRetryableRealtimeError(code string) bool {
	return transientRealtimeErrors[strings.ToLower(strings.TrimSpace(code))]
}

// Browser speech recognition end reasons that are routine terminations
// rather than failures.
var benignRecognitionEnds = map[string]bool{
	"":          true,
	"ended":     true,
	"no-speech": true,
	"aborted":   true,
}

// IsBenignRecognitionEnd reports whether a recognition run that ended with
// reason should restart without counting as a failure.
func IsBenignRecognitionEnd(reason string) bool {
	return benignRecognitionEnds[strings.ToLower(strings.TrimSpace(reason))]
}

// ExponentialBackoff doubles base per attempt and caps the result.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
