package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how an encoded payload is compressed. The value is
// stored as the first byte of every encoded payload.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

// DefaultCompressThreshold is the encoded size below which payloads are
// stored uncompressed.
const DefaultCompressThreshold = 4 << 10

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the names produced by Compression.String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("checkpoint: unknown compression %q", name)
	}
}

var errIncompressible = errors.New("checkpoint: payload is incompressible")

// Codec serializes state and metadata as deterministic CBOR, compressing
// payloads above a threshold.
//
// Encoded layout: [compression tag][uvarint raw length][payload].
type Codec struct {
	enc         cbor.EncMode
	dec         cbor.DecMode
	compression Compression
	threshold   int
	zenc        *zstd.Encoder
	zdec        *zstd.Decoder
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCompression selects the algorithm used above the threshold.
func WithCompression(c Compression) CodecOption {
	return func(codec *Codec) {
		codec.compression = c
	}
}

// WithCompressThreshold sets the minimum raw size that gets compressed.
func WithCompressThreshold(n int) CodecOption {
	return func(codec *Codec) {
		codec.threshold = n
	}
}

// NewCodec builds a codec. The default compresses with zstd above
// DefaultCompressThreshold.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: cbor decoder: %w", err)
	}

	c := &Codec{
		enc:         enc,
		dec:         dec,
		compression: CompressionZstd,
		threshold:   DefaultCompressThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	// The decoder is always available so payloads written with another
	// setting stay readable.
	c.zdec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: zstd decoder: %w", err)
	}
	if c.compression == CompressionZstd {
		c.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: zstd encoder: %w", err)
		}
	}
	return c, nil
}

// Marshal encodes v.
func (c *Codec) Marshal(v any) ([]byte, error) {
	raw, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}

	tag := CompressionNone
	payload := raw
	if c.compression != CompressionNone && len(raw) >= c.threshold {
		compressed, err := c.compress(raw)
		switch {
		case err == nil:
			tag = c.compression
			payload = compressed
		case errors.Is(err, errIncompressible):
		default:
			return nil, err
		}
	}

	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	out = binary.AppendUvarint(out, uint64(len(raw)))
	return append(out, payload...), nil
}

// Unmarshal decodes data produced by Marshal into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) < 2 {
		return errors.New("checkpoint: payload too short")
	}
	tag := Compression(data[0])
	size, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return errors.New("checkpoint: malformed payload length")
	}
	payload := data[1+n:]

	raw, err := c.decompress(tag, payload, int(size))
	if err != nil {
		return err
	}
	if err := c.dec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("checkpoint: decode: %w", err)
	}
	return nil
}

func (c *Codec) compress(raw []byte) ([]byte, error) {
	switch c.compression {
	case CompressionZstd:
		out := c.zenc.EncodeAll(raw, nil)
		if len(out) >= len(raw) {
			return nil, errIncompressible
		}
		return out, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		written, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(raw) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	default:
		return nil, fmt.Errorf("checkpoint: unsupported compression %s", c.compression)
	}
}

func (c *Codec) decompress(tag Compression, payload []byte, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("checkpoint: payload is %d bytes, header says %d", len(payload), size)
		}
		return payload, nil
	case CompressionZstd:
		out, err := c.zdec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("checkpoint: zstd produced %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("checkpoint: lz4 produced %d bytes, expected %d", read, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("checkpoint: unsupported compression %s", tag)
	}
}
