// Package codec converts message payloads to and from transport bytes. A
// Registry is built explicitly at startup and handed to bridges through
// options; there is no package-level registry.
package codec

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
)

// Content types of the built-in codecs.
const (
	ContentTypeJSON      = jsoncodec.ContentType
	ContentTypeProtobuf  = "application/protobuf"
	ContentTypeProtoJSON = "application/protobuf+json"
	ContentTypeBytes     = "application/octet-stream"
	ContentTypeText      = "text/plain"
)

// Codec encodes payloads of the kinds it accepts.
type Codec interface {
	ContentType() string
	Accepts(payload any) bool
	Encode(payload any) ([]byte, error)
	Decode(data []byte, target any) error
}

// Registry resolves codecs by content type or, when no content type is
// requested, by the first registered codec accepting the payload.
type Registry struct {
	mu     sync.RWMutex
	order  []Codec
	byType map[string]Codec
}

// NewRegistry returns a registry holding codecs in lookup order.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry returns bytes, protobuf, text and JSON codecs, in that order.
func NewDefaultRegistry() *Registry {
	return NewRegistry(Bytes{}, Protobuf{}, Text{}, JSON{})
}

// Register adds c, replacing any codec with the same content type.
func (r *Registry) Register(c Codec) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byType[c.ContentType()]; ok {
		for i, existing := range r.order {
			if existing == prev {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.byType[c.ContentType()] = c
	r.order = append(r.order, c)
}

// Lookup returns the codec registered for contentType.
func (r *Registry) Lookup(contentType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[contentType]
	return c, ok
}

// Encode converts payload using the codec for contentType, or the first codec
// accepting payload when contentType is empty. It returns the content type used.
func (r *Registry) Encode(payload any, contentType string) ([]byte, string, error) {
	if payload == nil {
		return nil, "", errspkg.ErrPayloadRequired
	}
	c, err := r.resolve(payload, contentType)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Encode(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode %T as %s: %w", payload, c.ContentType(), err)
	}
	return data, c.ContentType(), nil
}

// Decode fills target from data using the codec for contentType.
func (r *Registry) Decode(data []byte, contentType string, target any) error {
	c, ok := r.Lookup(contentType)
	if !ok {
		return fmt.Errorf("%w: content type %q", errspkg.ErrNoConverter, contentType)
	}
	return c.Decode(data, target)
}

func (r *Registry) resolve(payload any, contentType string) (Codec, error) {
	if contentType != "" {
		c, ok := r.Lookup(contentType)
		if !ok {
			return nil, fmt.Errorf("%w: content type %q", errspkg.ErrNoConverter, contentType)
		}
		if !c.Accepts(payload) {
			return nil, fmt.Errorf("%w: %s cannot encode %T", errspkg.ErrNoConverter, contentType, payload)
		}
		return c, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.order {
		if c.Accepts(payload) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %T", errspkg.ErrNoConverter, payload)
}

// JSON encodes any payload with sonic.
type JSON struct{}

func (JSON) ContentType() string                  { return ContentTypeJSON }
func (JSON) Accepts(any) bool                     { return true }
func (JSON) Encode(payload any) ([]byte, error)   { return jsoncodec.Marshal(payload) }
func (JSON) Decode(data []byte, target any) error { return jsoncodec.Unmarshal(data, target) }

// Protobuf encodes proto.Message payloads in the binary wire format.
type Protobuf struct{}

func (Protobuf) ContentType() string { return ContentTypeProtobuf }

func (Protobuf) Accepts(payload any) bool {
	_, ok := payload.(proto.Message)
	return ok
}

func (Protobuf) Encode(payload any) ([]byte, error) {
	msg, ok := payload.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", errspkg.ErrNoConverter, payload)
	}
	return proto.Marshal(msg)
}

func (Protobuf) Decode(data []byte, target any) error {
	msg, ok := target.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", errspkg.ErrNoConverter, target)
	}
	return proto.Unmarshal(data, msg)
}

// ProtoJSON encodes proto.Message payloads with the canonical JSON mapping.
type ProtoJSON struct{}

func (ProtoJSON) ContentType() string { return ContentTypeProtoJSON }

func (ProtoJSON) Accepts(payload any) bool {
	_, ok := payload.(proto.Message)
	return ok
}

func (ProtoJSON) Encode(payload any) ([]byte, error) {
	msg, ok := payload.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", errspkg.ErrNoConverter, payload)
	}
	return protojson.Marshal(msg)
}

func (ProtoJSON) Decode(data []byte, target any) error {
	msg, ok := target.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", errspkg.ErrNoConverter, target)
	}
	return protojson.Unmarshal(data, msg)
}

// Bytes passes []byte payloads through unchanged.
type Bytes struct{}

func (Bytes) ContentType() string { return ContentTypeBytes }

func (Bytes) Accepts(payload any) bool {
	_, ok := payload.([]byte)
	return ok
}

func (Bytes) Encode(payload any) ([]byte, error) {
	b, ok := payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not []byte", errspkg.ErrNoConverter, payload)
	}
	return b, nil
}

func (Bytes) Decode(data []byte, target any) error {
	b, ok := target.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: %T is not *[]byte", errspkg.ErrNoConverter, target)
	}
	*b = append((*b)[:0], data...)
	return nil
}

// Text encodes string payloads as UTF-8.
type Text struct{}

func (Text) ContentType() string { return ContentTypeText }

func (Text) Accepts(payload any) bool {
	_, ok := payload.(string)
	return ok
}

func (Text) Encode(payload any) ([]byte, error) {
	s, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not text", errspkg.ErrNoConverter, payload)
	}
	return []byte(s), nil
}

func (Text) Decode(data []byte, target any) error {
	s, ok := target.(*string)
	if !ok {
		return fmt.Errorf("%w: %T is not *string", errspkg.ErrNoConverter, target)
	}
	*s = string(data)
	return nil
}
