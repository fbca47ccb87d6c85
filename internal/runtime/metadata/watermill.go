package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into Headers.
func FromWatermill(md message.Metadata) Headers {
	if len(md) == 0 {
		return Headers{}
	}

	result := make(Headers, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts Headers into a Watermill metadata map.
func ToWatermill(headers Headers) message.Metadata {
	if len(headers) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(headers))
	for k, v := range headers {
		wm[k] = v
	}
	return wm
}
