package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Media types accepted by the webhook.
const (
	MediaJSON    = "application/json"
	MediaMsgpack = "application/msgpack"
	MediaCBOR    = "application/cbor"
)

// Codec encodes and decodes wire events.
type Codec interface {
	MediaType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) MediaType() string { return MediaJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal keeps numbers as json.Number so integers are not widened to
// float64, and rejects trailing data.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) MediaType() string { return MediaMsgpack }

func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type cborCodec struct {
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode options: %v", err))
	}
	return cborCodec{dec: dm}
}

func (cborCodec) MediaType() string { return MediaCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Codecs returned by CodecFor.
var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
	CBOR    Codec = newCBORCodec()
)

// CodecFor selects a codec from a Content-Type header. An empty header
// means JSON.
func CodecFor(contentType string) (Codec, error) {
	if contentType == "" {
		return JSON, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	switch mt {
	case MediaJSON:
		return JSON, nil
	case MediaMsgpack, "application/x-msgpack":
		return Msgpack, nil
	case MediaCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", mt)
	}
}

// DecodeEvent decodes one wire event with c and converts it.
func DecodeEvent(c Codec, data []byte) (WireEvent, error) {
	var w WireEvent
	if err := c.Unmarshal(data, &w); err != nil {
		return WireEvent{}, fmt.Errorf("decode %s: %w", c.MediaType(), err)
	}
	return w, nil
}
