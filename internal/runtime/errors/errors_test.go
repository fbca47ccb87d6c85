package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "creditflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "creditflow: logger is required"},
		{"ErrConnectorRequired", ErrConnectorRequired, "creditflow: transport connector is required"},
		{"ErrChannelRequired", ErrChannelRequired, "creditflow: channel name is required"},
		{"ErrSettlementTimeout", ErrSettlementTimeout, "creditflow: acknowledgment did not complete in time"},
		{"ErrOnlyOneSubscriber", ErrOnlyOneSubscriber, "creditflow: only one subscriber allowed"},
		{"ErrAlreadySettled", ErrAlreadySettled, "creditflow: message already acknowledged or negatively acknowledged"},
		{"ErrInvalidDemand", ErrInvalidDemand, "creditflow: requested demand must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "creditflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
		if !IsConfigError(err) {
			t.Error("IsConfigError should detect the wrapper")
		}
	})
}

func TestIsProtocolViolation(t *testing.T) {
	if !IsProtocolViolation(fmt.Errorf("ack: %w", ErrAlreadySettled)) {
		t.Error("wrapped ErrAlreadySettled should be a protocol violation")
	}
	if !IsProtocolViolation(ErrOnlyOneSubscriber) {
		t.Error("ErrOnlyOneSubscriber should be a protocol violation")
	}
	if IsProtocolViolation(errors.New("broker unavailable")) {
		t.Error("transport errors are not protocol violations")
	}
}
