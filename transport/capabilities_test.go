package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_RequiresCreditEmulation(t *testing.T) {
	tests := []struct {
		name          string
		caps          Capabilities
		wantEmulation bool
	}{
		{name: "native credit", caps: AMQPCapabilities, wantEmulation: false},
		{name: "jetstream", caps: NATSJetStreamCapabilities, wantEmulation: false},
		{name: "windowed", caps: KafkaCapabilities, wantEmulation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantEmulation, tt.caps.RequiresCreditEmulation())
		})
	}
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		wantBool bool
	}{
		{name: "supports ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, wantBool: true},
		{name: "supports ack only", caps: Capabilities{SupportsAck: true}, wantBool: false},
		{name: "neither", caps: Capabilities{}, wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantBool, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilitiesAreNamed(t *testing.T) {
	for _, caps := range []Capabilities{
		ChannelCapabilities,
		EventBusCapabilities,
		KafkaCapabilities,
		KafkaGoCapabilities,
		RabbitMQCapabilities,
		AMQPCapabilities,
		NATSCapabilities,
		NATSJetStreamCapabilities,
		AWSCapabilities,
		HTTPCapabilities,
	} {
		assert.NotEmpty(t, caps.Name)
	}
}

func TestGetCapabilitiesUnknown(t *testing.T) {
	caps := GetCapabilities("does-not-exist")
	assert.Equal(t, "does-not-exist", caps.Name)
	assert.False(t, caps.SupportsCredit)
}
