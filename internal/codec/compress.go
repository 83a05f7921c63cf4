package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/sentinel/internal/errors"
)

// Content-Encoding values.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
)

// ParseEncoding normalizes a Content-Encoding value. Empty means identity.
func ParseEncoding(s string) (string, error) {
	switch e := strings.ToLower(strings.TrimSpace(s)); e {
	case "", EncodingIdentity:
		return EncodingIdentity, nil
	case EncodingGzip, "x-gzip":
		return EncodingGzip, nil
	case EncodingZstd:
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("%w: content encoding %q", errors.ErrUnsupportedType, s)
	}
}

// ReadBody reads r, undoing the given Content-Encoding. The decoded body
// may be at most maxBytes long; a longer one returns ErrPayloadTooLarge
// without being read to the end.
func ReadBody(r io.Reader, encoding string, maxBytes int64) ([]byte, error) {
	enc, err := ParseEncoding(encoding)
	if err != nil {
		return nil, err
	}

	var src io.Reader = r
	switch enc {
	case EncodingGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", errors.ErrInvalidPayload, err)
		}
		defer zr.Close()
		src = zr
	case EncodingZstd:
		zr, err := zstd.NewReader(r,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(zstdMaxMemory(maxBytes)))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", errors.ErrInvalidPayload, err)
		}
		defer zr.Close()
		src = zr
	}

	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		if enc != EncodingIdentity {
			return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidPayload, enc, err)
		}
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", errors.ErrPayloadTooLarge, maxBytes)
	}
	return data, nil
}

// zstdMaxMemory bounds the decoder window. The body limit itself is
// enforced by the LimitReader.
func zstdMaxMemory(maxBytes int64) uint64 {
	const floor = 8 << 20
	if maxBytes+1 < floor {
		return floor
	}
	return uint64(maxBytes) + 1
}

// Compress encodes data with the given Content-Encoding.
func Compress(data []byte, encoding string) ([]byte, error) {
	enc, err := ParseEncoding(encoding)
	if err != nil {
		return nil, err
	}

	switch enc {
	case EncodingGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case EncodingZstd:
		zw, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer zw.Close()
		return zw.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}
