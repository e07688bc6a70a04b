package codec

import (
	"encoding/json"
	"errors"
)

// Codec serializes the small structured values that ride inside payloads
// (error reports, registry records). Frame layout itself never goes through it.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// WireError is the single wire-visible shape of an application failure.
type WireError struct {
	Code    uint16   `json:"code"`
	Message string   `json:"message"`
	Detail  []string `json:"detail,omitempty"` // wrapped causes, outermost first
}

func (e *WireError) Error() string { return e.Message }

// ErrorEncoder turns a WireError into failure payload bytes and back.
type ErrorEncoder interface {
	EncodeError(e *WireError) ([]byte, error)
	DecodeError(data []byte) (*WireError, error)
}

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
type JSONCodec struct{}

var (
	_ Codec        = JSONCodec{}
	_ ErrorEncoder = JSONCodec{}
)

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return "json" }

func (c JSONCodec) EncodeError(e *WireError) ([]byte, error) {
	if e == nil {
		return nil, errors.New("codec: nil wire error")
	}
	return c.Encode(e)
}

func (c JSONCodec) DecodeError(data []byte) (*WireError, error) {
	var e WireError
	if err := c.Decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
