package providers

import (
	"errors"
	"testing"
)

func TestClassifyErrorPatterns(t *testing.T) {
	cases := []struct {
		msg    string
		reason FailoverReason
	}{
		{"429 Too Many Requests", FailoverRateLimit},
		{"context deadline exceeded", FailoverTimeout},
		{"401 unauthorized", FailoverAuth},
		{"insufficient quota", FailoverBilling},
		{"content policy violation", FailoverContentFilter},
		{"model not found", FailoverModelUnavailable},
		{"500 internal server error", FailoverServerError},
		{"context canceled", FailoverCancelled},
		{"maximum context length exceeded", FailoverContextLengthExceeded},
		{"broken pipe", FailoverBrokenPipe},
		{"use of closed network connection", FailoverTransportClosed},
		{"something entirely unrelated", FailoverUnknown},
	}
	for _, c := range cases {
		if got := ClassifyError(errors.New(c.msg)); got != c.reason {
			t.Errorf("ClassifyError(%q) = %v, want %v", c.msg, got, c.reason)
		}
	}
}

func TestFailoverReasonRetryableAndFailover(t *testing.T) {
	if !FailoverRateLimit.IsRetryable() {
		t.Error("rate limit should be retryable")
	}
	if FailoverAuth.IsRetryable() {
		t.Error("auth failure should not be retryable")
	}
	if !FailoverAuth.ShouldFailover() {
		t.Error("auth failure should trigger failover")
	}
	if FailoverTimeout.ShouldFailover() {
		t.Error("timeout alone should not trigger failover to another provider")
	}
}

func TestProviderErrorWithStatus(t *testing.T) {
	pe := NewProviderError("anthropic", "claude-x", errors.New("boom"))
	pe = pe.WithStatus(429)
	if pe.Reason != FailoverRateLimit {
		t.Fatalf("expected rate_limit reason after WithStatus(429), got %v", pe.Reason)
	}
	if pe.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
	got, ok := GetProviderError(pe)
	if !ok || got != pe {
		t.Fatal("expected GetProviderError to round-trip the same error")
	}
}

func TestShouldRetryOtherProviderAndIsRetryable(t *testing.T) {
	if ShouldRetryOtherProvider(nil) {
		t.Error("nil error should never trigger failover")
	}
	if !ShouldRetryOtherProvider(errors.New("401 unauthorized")) {
		t.Error("auth failure should trigger failover")
	}
	if !IsRetryable(errors.New("503 service unavailable")) {
		t.Error("server error should be retryable")
	}
	if IsRetryable(errors.New("400 bad request")) {
		t.Error("invalid request should not be retryable")
	}
}
