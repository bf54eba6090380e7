package messages

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/room4-2/voicetasks/audio"
)

var api = sonic.ConfigStd

// Marshal encodes a wire message
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes a wire message into v
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// PeekType returns the discriminating type field of a message
func PeekType(data []byte) (string, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// EncodePCM encodes a frame for transport: little-endian bytes, base64.
func EncodePCM(frame audio.Frame) string {
	return base64.StdEncoding.EncodeToString(frame.Bytes())
}

// DecodePCM reverses the transport encoding. The result may end on half a
// sample; feed it through audio.StreamDecoder.
func DecodePCM(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	return data, nil
}
