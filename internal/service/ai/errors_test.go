package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrNetworkFailure},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrNetworkFailure},
		{"websocket", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, ErrNetworkFailure},
		{"api", &openai.APIError{HTTPStatusCode: 503, Message: "busy"}, ErrServiceError},
		{"request no status", &openai.RequestError{Err: errors.New("eof")}, ErrNetworkFailure},
		{"request status", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, ErrServiceError},
		{"unknown", errors.New("weird"), ErrServiceError},
		{"already malformed", fmt.Errorf("wrap: %w", ErrMalformedResponse), ErrMalformedResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}

	unknown := fmt.Errorf("%w: gpt-x", ErrUnknownModel)
	if got := Classify(unknown); got != unknown || IsRetryable(got) {
		t.Fatalf("configuration errors should pass through unretried, got %v", got)
	}

	if Classify(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if got := Classify(context.Canceled); !errors.Is(got, context.Canceled) || IsRetryable(got) {
		t.Fatalf("cancellation should pass through untouched, got %v", got)
	}
}

func TestIsRetryableAndCode(t *testing.T) {
	if !IsRetryable(fmt.Errorf("x: %w", ErrNetworkFailure)) || !IsRetryable(ErrServiceError) {
		t.Fatal("network and service errors should be retryable")
	}
	if IsRetryable(ErrMalformedResponse) {
		t.Fatal("malformed response must not be retried")
	}
	if IsRetryable(fmt.Errorf("%w: %w", ErrServiceError, ErrUnknownModel)) {
		t.Fatal("unknown model must not be retried even when wrapped as a service error")
	}
	if Code(ErrMalformedResponse) != "malformed_response" || Code(StatusError(500, "")) != "service_error" {
		t.Fatal("unexpected error codes")
	}
	if Code(ErrUnknownModel) != "unknown_model" {
		t.Fatalf("unexpected code %q", Code(ErrUnknownModel))
	}
}
