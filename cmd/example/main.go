package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eteran/hashstore/pkg/client"
	"github.com/eteran/hashstore/pkg/storage"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	ObjectName         = "example.txt"
	ObjectContent      = "Hello from the hashstore example!\n"
	OtherObjectContent = `At dolor dolores dolore feugiat et consequat. Amet sed no et quis et clita voluptua. Ipsum esse clita lorem diam dolor clita duis erat ut diam sed accusam consetetur labore dolore magna. Consetetur magna lorem erat takimata dolor takimata invidunt velit dolor labore ipsum nam dolor sed. In duo ipsum et eirmod gubergren sanctus.

Labore volutpat sed illum sed blandit dolor eirmod suscipit amet eos minim dolor. Dolores lorem dolore esse diam duo sadipscing lorem vero sadipscing est dolor accumsan eos ut diam sea. Et consectetuer justo et eos possim amet.
`
)

// UploadFile uploads content and logs whether the server already had it.
func UploadFile(ctx context.Context, c *client.Client, content []byte) (string, error) {
	existed, key, err := c.Upload(ctx, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to upload %d bytes: %w", len(content), err)
	}

	slog.Info("Uploaded file", "key", key, "size", len(content), "existed", existed)
	return key, nil
}

// DownloadFile streams the blob stored under key into a local file.
func DownloadFile(ctx context.Context, c *client.Client, key string, downloadPath string) error {
	stream, err := c.Find(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", key, err)
	}

	f, err := os.Create(downloadPath)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", downloadPath, err)
	}
	defer f.Close()

	n, err := stream.CopyTo(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", key, err)
	}

	slog.Info("Downloaded file", "path", downloadPath, "size", n)
	return f.Close()
}

// DeleteFile removes key and checks that a second delete reports it missing.
func DeleteFile(ctx context.Context, c *client.Client, key string) error {
	if err := c.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	if err := c.Delete(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("second delete of %s: expected not found, got %v", key, err)
	}

	slog.Info("Deleted file", "key", key)
	return nil
}

func Run(ctx context.Context, c *client.Client) error {
	// 1. Upload a small file.
	key, err := UploadFile(ctx, c, []byte(ObjectContent))
	if err != nil {
		return err
	}

	// 2. Upload it again; the server deduplicates.
	if _, err := UploadFile(ctx, c, []byte(ObjectContent)); err != nil {
		return err
	}

	// 3. Download it.
	downloadPath := filepath.Join(".", "downloaded_"+ObjectName)
	if err := DownloadFile(ctx, c, key, downloadPath); err != nil {
		return err
	}

	// 4. Upload something larger than one chunk.
	otherKey, err := UploadFile(ctx, c, bytes.Repeat([]byte(OtherObjectContent), 200))
	if err != nil {
		return err
	}

	// 5. Delete both.
	if err := DeleteFile(ctx, c, key); err != nil {
		return err
	}
	return DeleteFile(ctx, c, otherKey)
}

func main() {
	endpoint := getenv("HASHSTORE_URL", "http://localhost:8000")

	c, err := client.New(endpoint)
	if err != nil {
		slog.Error("failed to create hashstore client", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if err := Run(ctx, c); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
