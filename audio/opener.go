// Package audio opens song references as byte streams and probes their
// bitrate with ffprobe.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported song reference")
	ErrLocalFiles        = errors.New("local files are not allowed")
	ErrNoStorage         = errors.New("cloud storage is not configured")
)

const userAgent = "Mozilla/5.0 (compatible; upnext-broadcast)"

// OpenerConfig configures an Opener.
type OpenerConfig struct {
	// HTTPTimeout bounds the wait for response headers. The body itself is
	// streamed for as long as the song plays.
	HTTPTimeout     time.Duration
	AllowLocalFiles bool
	// Storage serves gs://bucket/object references when set.
	Storage *storage.Client
}

// Opener resolves http(s)://, gs:// and, when allowed, local file references.
type Opener struct {
	client     *http.Client
	storage    *storage.Client
	allowLocal bool
}

func NewOpener(cfg OpenerConfig) *Opener {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Opener{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.HTTPTimeout,
			},
		},
		storage:    cfg.Storage,
		allowLocal: cfg.AllowLocalFiles,
	}
}

// NewStorageClient creates a Cloud Storage client. An empty credentialsFile
// uses application default credentials.
func NewStorageClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return client, nil
}

// Open returns a stream of the song at ref.
func (o *Opener) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ref)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return o.openHTTP(ctx, ref)
	case "gs":
		return o.openGCS(ctx, u)
	case "", "file":
		if !o.allowLocal {
			return nil, fmt.Errorf("%w: %s", ErrLocalFiles, ref)
		}
		path := ref
		if u.Scheme == "file" {
			path = u.Path
		}
		return os.Open(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ref)
	}
}

func (o *Opener) openHTTP(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch failed with status: %d", resp.StatusCode)
	}

	slog.Debug("Opened song stream", "url", ref, "contentType", resp.Header.Get("Content-Type"), "size", resp.ContentLength)
	return resp.Body, nil
}

func (o *Opener) openGCS(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if o.storage == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStorage, u)
	}
	object := strings.TrimPrefix(u.Path, "/")
	r, err := o.storage.Bucket(u.Host).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", u.Host, object, err)
	}
	return r, nil
}
