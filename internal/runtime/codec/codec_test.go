package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

type price struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

func TestDefaultRegistrySelectsByPayload(t *testing.T) {
	r := NewDefaultRegistry()

	tests := []struct {
		name        string
		payload     any
		contentType string
		want        string
	}{
		{name: "bytes", payload: []byte("raw"), contentType: ContentTypeBytes, want: "raw"},
		{name: "string", payload: "hello", contentType: ContentTypeText, want: "hello"},
		{name: "struct", payload: price{Symbol: "ACME", Value: 1.5}, contentType: ContentTypeJSON, want: `{"symbol":"ACME","value":1.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ct, err := r.Encode(tt.payload, "")
			require.NoError(t, err)
			assert.Equal(t, tt.contentType, ct)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestProtobufRoundTrip(t *testing.T) {
	r := NewDefaultRegistry()
	r.Register(ProtoJSON{})

	data, ct, err := r.Encode(wrapperspb.String("ACME"), "")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, ct)

	var out wrapperspb.StringValue
	require.NoError(t, r.Decode(data, ct, &out))
	assert.True(t, proto.Equal(wrapperspb.String("ACME"), &out))

	data, _, err = r.Encode(wrapperspb.String("ACME"), ContentTypeProtoJSON)
	require.NoError(t, err)
	assert.Equal(t, `"ACME"`, string(data))
}

func TestExplicitContentTypeMustAcceptPayload(t *testing.T) {
	r := NewDefaultRegistry()

	_, _, err := r.Encode(price{}, ContentTypeProtobuf)
	assert.ErrorIs(t, err, errspkg.ErrNoConverter)

	_, _, err = r.Encode("x", "application/xml")
	assert.ErrorIs(t, err, errspkg.ErrNoConverter)

	err = r.Decode([]byte("x"), "application/xml", new(string))
	assert.ErrorIs(t, err, errspkg.ErrNoConverter)
}

func TestEncodeRejectsNilPayload(t *testing.T) {
	_, _, err := NewDefaultRegistry().Encode(nil, "")
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)
}

func TestRegistryWithoutFallback(t *testing.T) {
	r := NewRegistry(Bytes{})
	_, _, err := r.Encode(42, "")
	assert.ErrorIs(t, err, errspkg.ErrNoConverter)
}

func TestRegisterReplacesSameContentType(t *testing.T) {
	r := NewRegistry(Text{}, JSON{})
	r.Register(Text{})

	assert.Len(t, r.order, 2)
	_, ct, err := r.Encode("s", "")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, ct, "re-registered text codec moves behind JSON")
}

func TestTextAndBytesDecode(t *testing.T) {
	var s string
	require.NoError(t, Text{}.Decode([]byte("abc"), &s))
	assert.Equal(t, "abc", s)

	var b []byte
	require.NoError(t, Bytes{}.Decode([]byte("abc"), &b))
	assert.Equal(t, []byte("abc"), b)

	assert.Error(t, Text{}.Decode(nil, 1))
}
