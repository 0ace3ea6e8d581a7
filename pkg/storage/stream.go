package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
)

// OpenFunc opens the content behind a Stream for sequential reading.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Stream is a lazy producer of a blob's content. It holds no resources of its
// own: every iteration opens the blob, and the iterator closes it again on all
// exit paths, including an early break by the consumer.
type Stream struct {
	open      OpenFunc
	chunkSize int
}

// NewStream returns a Stream that yields the content produced by open in
// chunks of at most chunkSize bytes.
func NewStream(open OpenFunc, chunkSize int) *Stream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Stream{open: open, chunkSize: chunkSize}
}

// ChunkSize returns the largest chunk the Stream yields.
func (s *Stream) ChunkSize() int {
	return s.chunkSize
}

// Chunks opens the blob and yields its content in order. Each yielded slice
// is freshly allocated and at most ChunkSize bytes long; only the final chunk
// may be shorter. An error ends the sequence.
func (s *Stream) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		rc, err := s.open(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rc.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			buf := make([]byte, s.chunkSize)
			n, err := io.ReadFull(rc, buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}

			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(nil, err)
				return
			}
		}
	}
}

// CopyTo writes the whole blob to w and returns the number of bytes written.
func (s *Stream) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for chunk, err := range s.Chunks(ctx) {
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadAll returns the whole blob as a single slice.
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, s.chunkSize))
	if _, err := s.CopyTo(ctx, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
