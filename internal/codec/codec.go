// Package codec encodes the blobs livechat keeps in a Store.
//
// Values are CBOR with Core Deterministic Encoding so the same state
// always produces the same bytes. Larger snapshots (the offline appeal
// set) are additionally zstd-compressed behind a one-byte format tag.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	tagPlain byte = 0x01
	tagZstd  byte = 0x02
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// ErrUnknownFormat is returned when a blob carries a tag this package
// does not understand.
var ErrUnknownFormat = errors.New("codec: unknown blob format")

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as a tagged, uncompressed CBOR blob.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}
	return append([]byte{tagPlain}, data...), nil
}

// MarshalCompressed encodes v as CBOR and compresses it with zstd.
func MarshalCompressed(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}
	return zstdEncoder.EncodeAll(data, []byte{tagZstd}), nil
}

// Unmarshal decodes a blob produced by Marshal or MarshalCompressed.
func Unmarshal(blob []byte, v any) error {
	if len(blob) == 0 {
		return ErrUnknownFormat
	}
	body := blob[1:]
	switch blob[0] {
	case tagPlain:
	case tagZstd:
		raw, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress blob: %w", err)
		}
		body = raw
	default:
		return fmt.Errorf("%w: tag 0x%02x", ErrUnknownFormat, blob[0])
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode blob: %w", err)
	}
	return nil
}
