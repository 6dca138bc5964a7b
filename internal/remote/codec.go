package remote

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	// CompressThreshold is the body size above which bodies are compressed.
	CompressThreshold = 1024

	encodingZstd = "zstd"

	// maxBody bounds decoded request and response bodies.
	maxBody = 64 << 20
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBody))
)

// encodeBody marshals v, compressing when the result exceeds threshold.
// A threshold below zero disables compression.
func encodeBody(v any, threshold int) (body []byte, encoding string, err error) {
	body, err = json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode body: %w", err)
	}
	if threshold >= 0 && len(body) > threshold {
		return encoder.EncodeAll(body, make([]byte, 0, len(body)/2)), encodingZstd, nil
	}
	return body, "", nil
}

// readBody reads and decompresses a body according to its Content-Encoding.
func readBody(r io.Reader, encoding string) ([]byte, int64, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBody))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read body: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, int64(len(raw)), nil
	case encodingZstd:
		data, err := decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, int64(len(raw)), fmt.Errorf("failed to decompress body: %w", err)
		}
		return data, int64(len(raw)), nil
	default:
		return nil, int64(len(raw)), fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// acceptsZstd reports whether the request advertises zstd support.
func acceptsZstd(h http.Header) bool {
	for _, part := range strings.Split(h.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, encodingZstd) {
			return true
		}
	}
	return false
}
