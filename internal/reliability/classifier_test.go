package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRealtimeError(t *testing.T) {
	if !IsRetryableRealtimeError(" Rate_Limit_Exceeded ") {
		t.Fatalf("rate_limit_exceeded should be retryable")
	}
	if !IsRetryableRealtimeError("server_error") {
		t.Fatalf("server_error should be retryable")
	}
	for _, code := range []string{"invalid_request_error", "invalid_api_key", ""} {
		if IsRetryableRealtimeError(code) {
			t.Fatalf("IsRetryableRealtimeError(%q) = true, want false", code)
		}
	}
}

func TestIsBenignRecognitionEnd(t *testing.T) {
	for _, reason := range []string{"", "ended", "no-speech", "ABORTED"} {
		if !IsBenignRecognitionEnd(reason) {
			t.Fatalf("IsBenignRecognitionEnd(%q) = false, want true", reason)
		}
	}
	for _, reason := range []string{"network", "not-allowed", "audio-capture"} {
		if IsBenignRecognitionEnd(reason) {
			t.Fatalf("IsBenignRecognitionEnd(%q) = true, want false", reason)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 250 * time.Millisecond
	capDur := 5 * time.Second
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != time.Second {
		t.Fatalf("attempt 2 = %v, want 1s", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
