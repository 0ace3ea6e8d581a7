// Package client talks to a hashstore server over HTTP. Client implements
// storage.StorageEngine, so code written against the engine interface can
// run against a remote server unchanged.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/eteran/hashstore/pkg/storage"
)

var _ storage.StorageEngine = (*Client)(nil)

// Client is a hashstore HTTP client.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	chunkSize int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the http.Client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithChunkSize sets the chunk size of streams returned by Find.
func WithChunkSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:   u,
		http:      http.DefaultClient,
		chunkSize: storage.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(elem ...string) string {
	return c.baseURL.JoinPath(elem...).String()
}

// StatusError is returned for responses the client does not expect.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// trackingReader remembers the first error returned by the wrapped reader so
// a failed request can be blamed on the source rather than the server.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

// Upload sends r to the server. existed reports whether the server already
// held the same content.
func (c *Client) Upload(ctx context.Context, r io.Reader) (bool, string, error) {
	body := &trackingReader{r: r}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("upload"), body)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if body.err != nil {
			return false, "", fmt.Errorf("%w: %w", storage.ErrUploadAborted, body.err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, "", fmt.Errorf("%w: %w", storage.ErrUploadAborted, ctxErr)
		}
		return false, "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusBadRequest:
		return false, "", fmt.Errorf("%w: %w", storage.ErrUploadAborted, statusError(resp))
	default:
		return false, "", statusError(resp)
	}

	key, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", fmt.Errorf("read key: %w", err)
	}

	return resp.StatusCode == http.StatusOK, strings.TrimSpace(string(key)), nil
}

// Find checks that key exists with a HEAD request and returns a Stream that
// downloads it when iterated.
func (c *Client) Find(ctx context.Context, key string) (*storage.Stream, error) {
	if !storage.ValidKey(key) {
		return nil, storage.ErrNotFound
	}

	target := c.endpoint("download", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, storage.ErrNotFound
	default:
		return nil, statusError(resp)
	}

	return storage.NewStream(func(ctx context.Context) (io.ReadCloser, error) {
		return c.download(ctx, target)
	}, c.chunkSize), nil
}

func (c *Client) download(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, storage.ErrNotFound
	default:
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
}

// Delete removes key from the server.
func (c *Client) Delete(ctx context.Context, key string) error {
	if !storage.ValidKey(key) {
		return storage.ErrNotFound
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("delete", key), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusNotFound:
		return storage.ErrNotFound
	default:
		return statusError(resp)
	}
}
