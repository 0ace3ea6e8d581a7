package storage_test

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	"github.com/eteran/hashstore/internal/storage"
	store "github.com/eteran/hashstore/pkg/storage"
	"github.com/eteran/hashstore/pkg/storage/storagetest"
)

const testBucket = "hashstore-test"

// newFakeS3 starts an in-process S3 server and returns a client for it.
func newFakeS3(t *testing.T) *minio.Client {
	t.Helper()

	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err, "parse fake s3 url")

	client, err := storage.NewS3Client(storage.S3Config{
		Endpoint:  u.Host,
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
	})
	require.NoError(t, err)

	return client
}

func newS3Storage(t *testing.T, prefix string) (*storage.S3Storage, *minio.Client) {
	t.Helper()

	client := newFakeS3(t)
	engine := storage.NewS3Storage(client, testBucket, prefix, 4096)
	require.NoError(t, engine.EnsureBucket(t.Context(), "us-east-1"), "EnsureBucket")
	return engine, client
}

func TestS3StorageConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) store.StorageEngine {
		engine, _ := newS3Storage(t, "")
		return engine
	}, storagetest.Options{
		ConcurrentUploads:     4,
		ConcurrentPayloadSize: 512 << 10,
	})
}

func TestS3StorageObjectLayout(t *testing.T) {
	t.Parallel()

	engine, client := newS3Storage(t, "blobs")
	ctx := t.Context()

	_, key := storagetest.Upload(t, engine, []byte("hello"))
	require.Equal(t, helloKey, key)

	info, err := client.StatObject(ctx, testBucket, "blobs/c1/"+helloKey, minio.StatObjectOptions{})
	require.NoError(t, err, "blob object should exist at its content address")
	require.EqualValues(t, 5, info.Size)

	var staged []string
	for obj := range client.ListObjects(ctx, testBucket, minio.ListObjectsOptions{Prefix: "blobs/.temp/", Recursive: true}) {
		require.NoError(t, obj.Err)
		staged = append(staged, obj.Key)
	}
	require.Empty(t, staged, "staging objects should be removed after upload")
}

func TestS3StorageEnsureBucketIsIdempotent(t *testing.T) {
	t.Parallel()

	engine, _ := newS3Storage(t, "")
	require.NoError(t, engine.EnsureBucket(t.Context(), "us-east-1"))
}

func TestS3StorageAbortedUpload(t *testing.T) {
	t.Parallel()

	engine, client := newS3Storage(t, "")

	r := &failingReader{data: bytes.Repeat([]byte("z"), 10_000), err: errors.New("client hung up")}
	_, _, err := engine.Upload(t.Context(), r)
	require.ErrorIs(t, err, store.ErrUploadAborted)

	for obj := range client.ListObjects(t.Context(), testBucket, minio.ListObjectsOptions{Recursive: true}) {
		require.NoError(t, obj.Err)
		t.Fatalf("unexpected object %s left behind", obj.Key)
	}
}

func TestS3StorageReclaimStaging(t *testing.T) {
	t.Parallel()

	engine, client := newS3Storage(t, "")
	ctx := t.Context()

	_, key := storagetest.Upload(t, engine, []byte("keep me"))

	_, err := client.PutObject(ctx, testBucket, ".temp/orphan", bytes.NewReader([]byte("junk")), 4, minio.PutObjectOptions{})
	require.NoError(t, err)

	n, err := engine.ReclaimStaging(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, []byte("keep me"), storagetest.Download(t, engine, key))
}

func TestS3StorageReclaimDuringUpload(t *testing.T) {
	t.Parallel()

	engine, client := newS3Storage(t, "")
	ctx := t.Context()

	// Larger than one part, so the upload streams into a staging object.
	first := bytes.Repeat([]byte("A"), 6<<20)
	rest := []byte("tail")
	full := append(bytes.Repeat([]byte("A"), 6<<20), rest...)

	upload := startUpload(t, engine, first)

	n, err := engine.ReclaimStaging(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n, "an unfinished multipart upload is not a listed object")

	res := upload.finish(rest)
	require.NoError(t, res.err)
	require.False(t, res.existed)
	require.Equal(t, store.KeyOf(full), res.key)
	require.Equal(t, full, storagetest.Download(t, engine, res.key))

	for obj := range client.ListObjects(ctx, testBucket, minio.ListObjectsOptions{Prefix: ".temp/", Recursive: true}) {
		require.NoError(t, obj.Err)
		t.Fatalf("staging object %s left behind", obj.Key)
	}
}

func TestS3StorageUploadNeverReplacesBlob(t *testing.T) {
	t.Parallel()

	engine, client := newS3Storage(t, "")
	ctx := t.Context()

	// An object already sitting at the address is left alone, whatever it
	// holds.
	name := "c1/" + helloKey
	_, err := client.PutObject(ctx, testBucket, name, bytes.NewReader([]byte("HELLO")), 5, minio.PutObjectOptions{})
	require.NoError(t, err)

	existed, key := storagetest.Upload(t, engine, []byte("hello"))
	require.True(t, existed)
	require.Equal(t, helloKey, key)

	obj, err := client.GetObject(ctx, testBucket, name, minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(data), "published object must not be rewritten")
}
