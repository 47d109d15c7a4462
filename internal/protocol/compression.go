package protocol

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

// maxInflatedSize bounds a single decompressed payload.
const maxInflatedSize = 16 * 1024 * 1024

// ErrInflatedTooLarge is returned when a frame inflates beyond the limit.
var ErrInflatedTooLarge = errors.New("inflated payload too large")

// ZlibDecompressor handles per-payload compression: each binary frame is
// one complete zlib stream. Identify advertises compress=Enabled.
type ZlibDecompressor struct {
	Enabled bool
}

// PayloadCompression reports whether Identify should request compression.
func (z ZlibDecompressor) PayloadCompression() bool {
	return z.Enabled
}

// Decompress inflates one binary frame.
func (z ZlibDecompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib header: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("zlib inflate: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, ErrInflatedTooLarge
	}
	return out, nil
}
