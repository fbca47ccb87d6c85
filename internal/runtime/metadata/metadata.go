// Package metadata holds the typed metadata carried alongside a message and
// the string headers that transports put on the wire.
package metadata

import (
	"reflect"
	"time"
)

// Metadata is an append-only collection holding at most one value per Go type.
// The zero value is empty and ready to use. Metadata is immutable: every
// mutation returns a new collection.
type Metadata struct {
	values []any
}

// From builds a collection out of the supplied values. Later values replace
// earlier values of the same type.
func From(values ...any) Metadata {
	return Metadata{}.With(values...)
}

// With returns a copy of m containing the supplied values. A value replaces
// any value of the same dynamic type already present.
func (m Metadata) With(values ...any) Metadata {
	out := make([]any, len(m.values), len(m.values)+len(values))
	copy(out, m.values)
	for _, v := range values {
		if v == nil {
			continue
		}
		t := reflect.TypeOf(v)
		replaced := false
		for i, existing := range out {
			if reflect.TypeOf(existing) == t {
				out[i] = v
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, v)
		}
	}
	return Metadata{values: out}
}

// Without returns a copy of m without the value whose type matches sample.
func (m Metadata) Without(sample any) Metadata {
	t := reflect.TypeOf(sample)
	out := make([]any, 0, len(m.values))
	for _, v := range m.values {
		if reflect.TypeOf(v) != t {
			out = append(out, v)
		}
	}
	return Metadata{values: out}
}

// Len returns the number of values.
func (m Metadata) Len() int {
	return len(m.values)
}

// Values returns a copy of the stored values.
func (m Metadata) Values() []any {
	out := make([]any, len(m.values))
	copy(out, m.values)
	return out
}

// Get returns the value of type T stored in md.
func Get[T any](md Metadata) (T, bool) {
	for _, v := range md.values {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// Outgoing describes how a single message should be sent. Zero fields fall
// back to the channel configuration.
type Outgoing struct {
	// Address overrides the configured destination when the channel permits
	// dynamic addressing.
	Address       string
	ContentType   string
	CorrelationID string
	Subject       string
	Headers       Headers
	// Durable overrides the channel durability flag when set.
	Durable *bool
	// TTL overrides the channel time-to-live when positive.
	TTL      time.Duration
	Priority uint8
}

// Headers represents the string headers carried on the wire.
type Headers map[string]string

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}

	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the headers.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns cloned headers containing the provided key/value pair.
func (h Headers) With(key, value string) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns cloned headers containing the supplied entries.
func (h Headers) WithAll(entries Headers) Headers {
	cloned := h.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// NewHeaders constructs Headers from alternating key/value pairs.
func NewHeaders(pairs ...string) Headers {
	h := make(Headers, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h[pairs[i]] = pairs[i+1]
	}
	return h
}
