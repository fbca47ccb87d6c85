// Package http provides a webhook-style HTTP transport. Each send is a POST to
// the publisher URL joined with the address; a 2xx response settles it.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// ErrURLRequired is returned when no publisher URL is configured.
var ErrURLRequired = errors.New("http: publisher URL is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Endpoint joins the publisher URL and an address with a single slash.
func Endpoint(baseURL, address string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(address, "/")
}

// PublisherConfig builds requests against baseURL.
func PublisherConfig(baseURL string) http.PublisherConfig {
	return http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			req, err := http.DefaultMarshalMessageFunc(Endpoint(baseURL, topic), msg)
			if err != nil {
				return nil, err
			}
			if ct := msg.Metadata.Get(transport.HeaderContentType); ct != "" {
				req.Header.Set("Content-Type", ct)
			}
			return req, nil
		},
	}
}

// Build creates a new HTTP connector.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	baseURL := cfg.GetHTTPPublisherURL()
	if baseURL == "" {
		return nil, ErrURLRequired
	}
	publisher, err := PublisherFactory(PublisherConfig(baseURL), logger)
	if err != nil {
		return nil, err
	}
	return transport.NewPublisherConnector(TransportName, publisher, cfg.GetPublisherWindow(), transport.HTTPCapabilities, logger), nil
}
