package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired         = sterrors.New("creditflow: configuration is required")
	ErrLoggerRequired         = sterrors.New("creditflow: logger is required")
	ErrConnectorRequired      = sterrors.New("creditflow: transport connector is required")
	ErrChannelRequired        = sterrors.New("creditflow: channel name is required")
	ErrUnknownChannel         = sterrors.New("creditflow: channel is not configured")
	ErrUnknownFailureStrategy = sterrors.New("creditflow: unknown failure strategy")
	ErrUnknownAddressPolicy   = sterrors.New("creditflow: unknown address policy")
	ErrPayloadRequired        = sterrors.New("creditflow: message payload is required")
	ErrNoConverter            = sterrors.New("creditflow: no converter registered for payload")
	ErrAddressRequired        = sterrors.New("creditflow: destination address cannot be resolved")
	ErrServiceClosed          = sterrors.New("creditflow: service is closed")
	ErrSettlementTimeout      = sterrors.New("creditflow: acknowledgment did not complete in time")
)

// Protocol violations. They indicate a usage bug in the surrounding wiring
// and are never retried.
var (
	ErrOnlyOneSubscriber = sterrors.New("creditflow: only one subscriber allowed")
	ErrAlreadySettled    = sterrors.New("creditflow: message already acknowledged or negatively acknowledged")
	ErrInvalidDemand     = sterrors.New("creditflow: requested demand must be positive")
	ErrOnContext         = sterrors.New("creditflow: blocking call issued from the affinity context")
)

// ConfigValidationError wraps configuration problems detected at construction.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("creditflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsConfigError reports whether err originates from configuration validation.
func IsConfigError(err error) bool {
	var cfgErr ConfigValidationError
	return sterrors.As(err, &cfgErr)
}

// IsProtocolViolation reports whether err signals a misuse of the pull
// protocol, the settlement contract or the affinity context.
func IsProtocolViolation(err error) bool {
	return sterrors.Is(err, ErrOnlyOneSubscriber) ||
		sterrors.Is(err, ErrAlreadySettled) ||
		sterrors.Is(err, ErrInvalidDemand) ||
		sterrors.Is(err, ErrOnContext)
}
