package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v4"
)

// Frame tags prefixed to every encoded payload.
const (
	frameRaw  = 0x00
	frameLZ4  = 0x01
	headerLen = 1
)

// compressThreshold is the encoded size above which payloads are
// lz4-compressed. Task envelopes are usually well under this; large
// submissions with many files benefit.
const compressThreshold = 4 * 1024

// lz4SizeLen is the length prefix carrying the uncompressed size.
const lz4SizeLen = 4

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec errors.
var (
	ErrShortPayload = errors.New("payload shorter than frame header")
	ErrUnknownFrame = errors.New("unknown payload frame tag")
)

// Marshal encodes a value as framed JSON, compressing large payloads.
func Marshal(v any) ([]byte, error) {
	body, marshalErr := jsonAPI.Marshal(v)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal payload: %w", marshalErr)
	}

	if len(body) < compressThreshold {
		out := make([]byte, 0, headerLen+len(body))
		out = append(out, frameRaw)

		return append(out, body...), nil
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(body)))

	written, compressErr := lz4.CompressBlock(body, compressed, nil)
	if compressErr != nil || written == 0 || written >= len(body) {
		// Incompressible payloads ship raw.
		out := make([]byte, 0, headerLen+len(body))
		out = append(out, frameRaw)

		return append(out, body...), nil
	}

	out := make([]byte, headerLen+lz4SizeLen+written)
	out[0] = frameLZ4
	binary.BigEndian.PutUint32(out[headerLen:], uint32(len(body)))
	copy(out[headerLen+lz4SizeLen:], compressed[:written])

	return out, nil
}

// Unmarshal decodes a framed payload produced by [Marshal].
func Unmarshal(data []byte, v any) error {
	if len(data) < headerLen {
		return ErrShortPayload
	}

	switch data[0] {
	case frameRaw:
		return decodeJSON(data[headerLen:], v)
	case frameLZ4:
		if len(data) < headerLen+lz4SizeLen {
			return ErrShortPayload
		}

		size := binary.BigEndian.Uint32(data[headerLen:])
		body := make([]byte, size)

		_, decompressErr := lz4.UncompressBlock(data[headerLen+lz4SizeLen:], body)
		if decompressErr != nil {
			return fmt.Errorf("decompress payload: %w", decompressErr)
		}

		return decodeJSON(body, v)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, data[0])
	}
}

func decodeJSON(body []byte, v any) error {
	unmarshalErr := jsonAPI.Unmarshal(body, v)
	if unmarshalErr != nil {
		return fmt.Errorf("unmarshal payload: %w", unmarshalErr)
	}

	return nil
}
