package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Consume reads r to exhaustion in chunks of at most chunkSize bytes. Every
// chunk is written to sink and then folded into the key digest, once each and
// in arrival order, so that nothing is hashed that was not also written.
//
// Failures reading r, and cancellation of ctx, are reported wrapped in
// ErrUploadAborted. Failures writing to sink are returned as they are.
func Consume(ctx context.Context, r io.Reader, chunkSize int, sink io.Writer) (key string, size int64, err error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	h := NewHasher()
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", size, fmt.Errorf("%w: %w", ErrUploadAborted, err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := sink.Write(chunk); err != nil {
				return "", size, fmt.Errorf("write chunk: %w", err)
			}
			h.Write(chunk)
			size += int64(n)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return "", size, fmt.Errorf("%w: %w", ErrUploadAborted, readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}
