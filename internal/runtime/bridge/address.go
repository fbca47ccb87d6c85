package bridge

import (
	"github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

type resolvedAddress struct {
	address string
	// fallback is set when a message address was ignored in favour of the
	// configured one.
	fallback bool
}

// resolveAddress picks the destination for a message carrying msgAddress
// (possibly empty) under the channel's address policy.
func resolveAddress(ch config.Channel, msgAddress string) (resolvedAddress, error) {
	var r resolvedAddress
	switch ch.AddressPolicy {
	case config.AddressConfigured:
		r.address = ch.Address
	case config.AddressMessage:
		r.address = firstNonEmpty(msgAddress, ch.Address)
	default:
		switch {
		case msgAddress == "":
			r.address = ch.Address
		case ch.UseAnonymousSender:
			r.address = msgAddress
		default:
			r.address = ch.Address
			r.fallback = msgAddress != ch.Address
		}
	}
	if r.address == "" {
		return r, errspkg.ErrAddressRequired
	}
	return r, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
