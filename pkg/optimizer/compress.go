package optimizer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressPrefix tags compressed payloads on the wire so the receiver can
// distinguish them from plaintext unambiguously.
const compressPrefix = "GZ1:"

const (
	// DefaultCompressMinSize is the payload size below which compression is
	// never attempted; the overhead exceeds the savings.
	DefaultCompressMinSize = 1024
	// DefaultCompressRatio is the maximum compressed/original ratio at which
	// the compressed form is kept.
	DefaultCompressRatio = 0.8
)

// Compress returns data gzip-compressed and prefix-tagged when it is large
// enough and the compressed form is worthwhile, otherwise data unchanged.
func Compress(data []byte, minSize int, ratio float64) []byte {
	if minSize <= 0 {
		minSize = DefaultCompressMinSize
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultCompressRatio
	}
	if len(data) < minSize {
		return data
	}

	var buf bytes.Buffer
	buf.WriteString(compressPrefix)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return data
	}
	if err := zw.Close(); err != nil {
		return data
	}

	if float64(buf.Len()) >= float64(len(data))*ratio {
		return data
	}
	return buf.Bytes()
}

// Decompress reverses Compress. Untagged payloads pass through unchanged.
func Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressPrefix)) {
		return data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data[len(compressPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("open gzip payload: %w", err)
	}
	defer zr.Close() //nolint:errcheck

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether data carries the compression tag.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(compressPrefix))
}
