package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorType{
		"insufficient_quota":                  ErrorQuota,
		"429 rate":                            ErrorRate,
		"Rate limit reached for gpt-4o-mini":  ErrorRate,
		"maximum context length is 8192":      ErrorContext,
		"timeout":                             ErrorTransient,
		"openai generate error 503: overload": ErrorTransient,
		"groq generate request failed: bad":   ErrorPermanent,
		"bad request":                         ErrorPermanent,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Fatalf("classify %q: got %s want %s", msg, got, want)
		}
	}
}

func TestClassifyDeadlineIsTransient(t *testing.T) {
	err := fmt.Errorf("embed: %w", context.DeadlineExceeded)
	if got := ClassifyError(err); got != ErrorTransient {
		t.Fatalf("got %s", got)
	}
	if !Retryable(err) {
		t.Fatalf("deadline should be retryable")
	}
	if Retryable(errors.New("bad request")) {
		t.Fatalf("permanent errors are not retryable")
	}
}
