package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	store "github.com/eteran/hashstore/pkg/storage"
)

var _ store.StorageEngine = (*S3Storage)(nil)

// s3PartSize is the multipart part size used for large uploads. It is the
// smallest part S3 accepts, which bounds the memory held per upload.
const s3PartSize = 5 * 1024 * 1024

// S3Config describes how to reach an S3 compatible bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
	Secure    bool
}

// S3Storage is a StorageEngine backed by an S3 compatible object store.
// Blobs live at <prefix>/<key[:2]>/<key>. Uploads larger than one part are
// staged under <prefix>/.temp/ until their key is known.
type S3Storage struct {
	client    *minio.Client
	bucket    string
	prefix    string
	chunkSize int
}

// NewS3Client creates a minio client for cfg using path style bucket lookup.
func NewS3Client(cfg S3Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return client, nil
}

// NewS3Storage wraps client. The bucket must already exist.
func NewS3Storage(client *minio.Client, bucket string, prefix string, chunkSize int) *S3Storage {
	if chunkSize <= 0 {
		chunkSize = store.DefaultChunkSize
	}
	return &S3Storage{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		chunkSize: chunkSize,
	}
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *S3Storage) stagingPrefix() string {
	return path.Join(s.prefix, store.StagingDirName) + "/"
}

func isS3NotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// isS3Conflict reports whether a conditional write lost against an object
// that already exists or is being written concurrently.
func isS3Conflict(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == minio.PreconditionFailed, resp.StatusCode == http.StatusPreconditionFailed:
		return true
	case resp.Code == "ConditionalRequestConflict", resp.StatusCode == http.StatusConflict:
		return true
	}
	return false
}

func (s *S3Storage) Find(ctx context.Context, key string) (*store.Stream, error) {
	name, err := store.ObjectName(s.prefix, key)
	if err != nil {
		return nil, store.ErrNotFound
	}

	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		if isS3NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}

	return store.NewStream(func(ctx context.Context) (io.ReadCloser, error) {
		obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("get object: %w", err)
		}
		// GetObject is lazy; Stat forces the request so a missing object
		// surfaces here rather than on the first Read.
		if _, err := obj.Stat(); err != nil {
			_ = obj.Close()
			if isS3NotFound(err) {
				return nil, store.ErrNotFound
			}
			return nil, fmt.Errorf("get object: %w", err)
		}
		return obj, nil
	}, s.chunkSize), nil
}

// Upload hashes r while staging it and then writes the blob to its content
// address with If-None-Match, so a published object is never replaced and at
// most one concurrent upload of the same content reports a fresh write.
func (s *S3Storage) Upload(ctx context.Context, r io.Reader) (bool, string, error) {
	w := &stagingWriter{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		name:   s.stagingPrefix() + uuid.NewString(),
	}

	defer func() {
		if w.pw == nil {
			return
		}
		// Staging objects never outlive the upload unless the process dies.
		err := s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, w.name, minio.RemoveObjectOptions{})
		if err != nil && !isS3NotFound(err) {
			slog.Warn("Failed to remove staging object", "object", w.name, "err", err)
		}
	}()

	key, size, err := store.Consume(ctx, r, s.chunkSize, w)
	if err != nil {
		w.abort(err)
		return false, "", err
	}

	name, err := store.ObjectName(s.prefix, key)
	if err != nil {
		w.abort(err)
		return false, "", err
	}

	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err == nil {
		w.abort(errDeduplicated)
		slog.Debug("Upload deduplicated", "key", key, "size", size)
		return true, key, nil
	} else if !isS3NotFound(err) {
		w.abort(err)
		return false, "", fmt.Errorf("stat object: %w", err)
	}

	body, err := w.content(size)
	if err != nil {
		return false, "", err
	}
	defer body.Close()

	opts := w.options()
	opts.SetMatchETagExcept("*")

	_, err = s.client.PutObject(ctx, s.bucket, name, body, size, opts)
	if isS3Conflict(err) {
		// Only an object visible afterwards counts as a duplicate.
		if _, statErr := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); statErr != nil {
			return false, "", fmt.Errorf("publish blob: %w", err)
		}
		slog.Debug("Upload deduplicated", "key", key, "size", size)
		return true, key, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("publish blob: %w", err)
	}

	slog.Debug("Upload published", "key", key, "size", size)
	return false, key, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	name, err := store.ObjectName(s.prefix, key)
	if err != nil {
		return store.ErrNotFound
	}

	// S3 deletes are idempotent, so existence has to be checked first.
	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		if isS3NotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("stat object: %w", err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		if isS3NotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// ReclaimStaging removes staging objects last modified more than olderThan
// ago.
func (s *S3Storage) ReclaimStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.stagingPrefix(),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list staging: %w", obj.Err)
		}
		if obj.LastModified.After(cutoff) {
			continue
		}

		err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil && !isS3NotFound(err) {
			return removed, fmt.Errorf("remove staging object: %w", err)
		}

		slog.Debug("Reclaimed staging object", "object", obj.Key, "modified", obj.LastModified)
		removed++
	}

	return removed, nil
}

// stagingWriter uploads everything written to it as one staging object.
// Content up to s3PartSize is buffered and sent with a single PUT; anything
// larger is piped into a multipart upload as it arrives.
type stagingWriter struct {
	ctx    context.Context
	client *minio.Client
	bucket string
	name   string

	buf  bytes.Buffer
	pw   *io.PipeWriter
	done chan error
}

func (w *stagingWriter) options() minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    s3PartSize,
	}
}

func (w *stagingWriter) Write(p []byte) (int, error) {
	if w.pw == nil {
		if w.buf.Len()+len(p) <= s3PartSize {
			return w.buf.Write(p)
		}

		pr, pw := io.Pipe()
		w.pw = pw
		w.done = make(chan error, 1)
		go func() {
			_, err := w.client.PutObject(w.ctx, w.bucket, w.name, pr, -1, w.options())
			_ = pr.CloseWithError(err)
			w.done <- err
		}()

		if _, err := w.pw.Write(w.buf.Bytes()); err != nil {
			return 0, err
		}
		w.buf = bytes.Buffer{}
	}

	return w.pw.Write(p)
}

// abort cancels a multipart upload in progress.
func (w *stagingWriter) abort(err error) {
	if w.pw == nil {
		return
	}
	_ = w.pw.CloseWithError(err)
	<-w.done
}

// content returns everything written so far. Buffered content is served
// from memory; otherwise the staging object is completed and read back.
func (w *stagingWriter) content(size int64) (io.ReadCloser, error) {
	if w.pw == nil {
		return memBody{bytes.NewReader(w.buf.Bytes())}, nil
	}

	_ = w.pw.Close()
	if err := <-w.done; err != nil {
		return nil, fmt.Errorf("put staging object: %w", err)
	}

	obj, err := w.client.GetObject(w.ctx, w.bucket, w.name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get staging object: %w", err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isS3NotFound(err) {
			return nil, ErrStagingReclaimed
		}
		return nil, fmt.Errorf("stat staging object: %w", err)
	}
	if info.Size != size {
		_ = obj.Close()
		return nil, fmt.Errorf("staging object %s holds %d bytes, want %d", w.name, info.Size, size)
	}
	return obj, nil
}

// memBody keeps the Seek and ReadAt methods of a bytes.Reader visible to
// minio while satisfying io.ReadCloser.
type memBody struct {
	*bytes.Reader
}

func (memBody) Close() error { return nil }

// errDeduplicated stops a staging upload whose content is already stored.
var errDeduplicated = errors.New("content already stored")

// errS3Config is returned by OpenEngine when the s3 backend is selected
// without a bucket.
var errS3Config = errors.New("s3 backend requires an endpoint and a bucket")
