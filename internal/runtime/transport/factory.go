// Package transport builds the connector a Service bridges onto.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/transport"

	// Register the built-in transports.
	_ "github.com/drblury/creditflow/transport/transports"
)

// Factory abstracts how a Service obtains its transport connector.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Connector, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Connector, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds connectors from the default transport registry.
func DefaultFactory() Factory {
	return RegistryFactory(nil)
}

// RegistryFactory builds connectors from r, or from the default registry when
// r is nil.
func RegistryFactory(r *transport.Registry) Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
		if conf == nil {
			return nil, errspkg.ErrConfigRequired
		}
		registry := r
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		return registry.Build(ctx, conf, logger)
	})
}
