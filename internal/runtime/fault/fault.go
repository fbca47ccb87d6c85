// Package fault holds the policies applied when a message is negatively
// acknowledged.
package fault

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/future"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/message"
)

// Strategy handles a negatively acknowledged message. The returned future
// settles once the transport has been told what to do with the delivery.
type Strategy interface {
	Name() string
	Handle(ctx context.Context, msg *message.Message, reason error) *future.Future[struct{}]
}

// StopError is the failure produced by the fail-stop strategy.
type StopError struct {
	Channel string
	Err     error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("creditflow: fail-stop on channel %q: %v", e.Channel, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// IsFailStop reports whether err was produced by the fail-stop strategy.
func IsFailStop(err error) bool {
	var stop *StopError
	return errors.As(err, &stop)
}

// New resolves a configured strategy name.
func New(name, channel string, holder *affinity.Holder, logger loggingpkg.ServiceLogger) (Strategy, error) {
	switch name {
	case "", config.StrategyFailStop, config.StrategyFail:
		return NewFailStop(channel, holder, logger), nil
	case config.StrategyModifiedFailed, config.StrategyRetryModify:
		return NewModifiedFailed(channel, holder, logger), nil
	case config.StrategyIgnore:
		return NewIgnore(channel, logger), nil
	}
	return nil, errspkg.NewConfigValidationError(fmt.Errorf("%w: %q", errspkg.ErrUnknownFailureStrategy, name))
}

func channelLogger(logger loggingpkg.ServiceLogger, channel, strategy string) loggingpkg.ServiceLogger {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return logger.With(loggingpkg.LogFields{"channel": channel, "failure_strategy": strategy})
}

// FailStop rejects the delivery and fails the settlement; redelivery is not
// attempted.
type FailStop struct {
	channel string
	holder  *affinity.Holder
	logger  loggingpkg.ServiceLogger
}

func NewFailStop(channel string, holder *affinity.Holder, logger loggingpkg.ServiceLogger) *FailStop {
	return &FailStop{channel: channel, holder: holder, logger: channelLogger(logger, channel, config.StrategyFailStop)}
}

func (f *FailStop) Name() string { return config.StrategyFailStop }

func (f *FailStop) Handle(ctx context.Context, msg *message.Message, reason error) *future.Future[struct{}] {
	f.logger.Error("Message nacked, rejecting it and failing", reason, loggingpkg.LogFields{"message_id": msg.ID()})
	stop := &StopError{Channel: f.channel, Err: reason}
	delivery := msg.Delivery()
	if delivery == nil || f.holder == nil {
		return future.Failed[struct{}](stop)
	}
	return f.holder.RunOnContextAndReportFailure(ctx, stop, func(context.Context) error {
		return delivery.Reject()
	})
}

// ModifiedFailed marks the delivery as modified with delivery-failed set, so
// the broker may redeliver it, possibly to this consumer again.
type ModifiedFailed struct {
	channel string
	holder  *affinity.Holder
	logger  loggingpkg.ServiceLogger
}

func NewModifiedFailed(channel string, holder *affinity.Holder, logger loggingpkg.ServiceLogger) *ModifiedFailed {
	return &ModifiedFailed{channel: channel, holder: holder, logger: channelLogger(logger, channel, config.StrategyModifiedFailed)}
}

func (m *ModifiedFailed) Name() string { return config.StrategyModifiedFailed }

func (m *ModifiedFailed) Handle(ctx context.Context, msg *message.Message, reason error) *future.Future[struct{}] {
	m.logger.Warn("Message nacked, marking it modified and delivery-failed", loggingpkg.LogFields{
		"message_id": msg.ID(),
		"reason":     reason.Error(),
	})
	delivery := msg.Delivery()
	if delivery == nil || m.holder == nil {
		return future.Completed(struct{}{})
	}
	return m.holder.RunOnContextFuture(ctx, func(context.Context) error {
		return delivery.Modify(true, false)
	})
}

// Ignore drops the failure after logging it.
type Ignore struct {
	logger loggingpkg.ServiceLogger
}

func NewIgnore(channel string, logger loggingpkg.ServiceLogger) *Ignore {
	return &Ignore{logger: channelLogger(logger, channel, config.StrategyIgnore)}
}

func (i *Ignore) Name() string { return config.StrategyIgnore }

func (i *Ignore) Handle(_ context.Context, msg *message.Message, reason error) *future.Future[struct{}] {
	i.logger.Warn("Message nacked, ignoring the failure", loggingpkg.LogFields{
		"message_id": msg.ID(),
		"reason":     reason.Error(),
	})
	return future.Completed(struct{}{})
}
