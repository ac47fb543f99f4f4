package outbox

import (
	"bytes"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSONCodec matches encoding/json behavior.
	JSONCodec Codec = jsonCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}
	// StrictJSONCodec rejects payload fields the shape does not declare.
	StrictJSONCodec Codec = jsonCodec{api: jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()}
)

var errEmptyPayload = errors.New("payload is empty")

type jsonCodec struct {
	api jsoniter.API
}

func (c jsonCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c jsonCodec) Unmarshal(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errEmptyPayload
	}
	return c.api.Unmarshal(trimmed, v)
}
