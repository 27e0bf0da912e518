package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", fmt.Errorf("boom"), KindUnknown},
		{"sentinel", ErrUnknownChannel, KindUnknownChannel},
		{"wrapped", Wrap(ErrDecodeFailure, "Codec", "Unmarshal", "read header"), KindDecodeFailure},
		{"classified", WrapInvalid(ErrIntegrityFailure, "Keys", "Open", "verify"), KindIntegrityFailure},
		{"kindf", Kindf(ErrUnknownRecipient, "SecureReef", "SendSecure", "no bundle for %q", "bob"), KindUnknownRecipient},
		{"invalidf", Invalidf("Spore", "New", "priority %d out of range", 11), KindInvalidArgument},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := KindOf(test.err); got != test.want {
				t.Errorf("expected %s, got %s", test.want, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection failure", ErrConnectionFailure, true},
		{"publish failure", ErrPublishFailure, true},
		{"not connected", ErrNotConnected, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"decode failure", ErrDecodeFailure, false},
		{"integrity failure", ErrIntegrityFailure, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalidAndFatal(t *testing.T) {
	if !IsInvalid(ErrInvalidArgument) {
		t.Error("invalid argument should be invalid")
	}
	if !IsInvalid(Wrap(ErrMissingRecipientKeys, "Factory", "Build", "resolve keys")) {
		t.Error("missing recipient keys should be invalid")
	}
	if IsInvalid(ErrPublishFailure) {
		t.Error("publish failure should not be invalid")
	}
	if !IsFatal(ErrInvalidConfig) {
		t.Error("invalid config should be fatal")
	}
	if IsFatal(ErrConnectionFailure) {
		t.Error("connection failure should not be fatal")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection", ErrConnectionFailure, ErrorTransient},
		{"config", ErrMissingConfig, ErrorFatal},
		{"decode", ErrDecodeFailure, ErrorInvalid},
		{"handler", ErrHandlerFailure, ErrorTransient},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.want {
				t.Errorf("expected %s, got %s", test.want, got)
			}
		})
	}
}

func TestWrapFormat(t *testing.T) {
	err := Wrap(ErrNotConnected, "SecureReef", "SendSecure", "state check")
	want := "SecureReef.SendSecure: state check failed: not connected"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassifiedPreservesChain(t *testing.T) {
	err := WrapTransient(ErrPublishFailure, "Transport", "Publish", "broker write")

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Transport" || ce.Operation != "Publish" {
		t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
	}
	if !errors.Is(err, ErrPublishFailure) {
		t.Error("errors.Is should see through the wrapper")
	}
}

func TestKindfClassification(t *testing.T) {
	err := Kindf(ErrDecodeFailure, "Codec", "Unmarshal", "truncated at %d", 12)
	if !IsInvalid(err) {
		t.Error("decode failure built by Kindf should be invalid")
	}
	err = Kindf(ErrConnectionFailure, "MQTT", "Initialize", "dial %s", "tcp://x")
	if !IsTransient(err) {
		t.Error("connection failure built by Kindf should be transient")
	}
}

func TestRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()
	if !rc.ShouldRetry(ErrConnectionFailure, 0) {
		t.Error("connection failure should be retried")
	}
	if rc.ShouldRetry(ErrDecodeFailure, 0) {
		t.Error("decode failure should not be retried")
	}
	if rc.ShouldRetry(ErrConnectionFailure, rc.MaxRetries) {
		t.Error("retries should stop at MaxRetries")
	}

	cfg := rc.ToRetryConfig()
	if cfg.MaxAttempts != rc.MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", rc.MaxRetries+1, cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("unexpected initial delay %v", cfg.InitialDelay)
	}
}
