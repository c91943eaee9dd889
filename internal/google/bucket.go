package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

var _ ensproxy.SettingsStore = &Bucket{}

// maxSettingBytes caps a single settings object.
const maxSettingBytes = 16 * 1024 // 16 KB

// Bucket reads settings stored one object per key, optionally under a
// prefix, e.g. "settings/eth_rpc".
type Bucket struct {
	name   string
	prefix string

	// newClient is replaced in tests.
	newClient func(context.Context) (*storage.Client, error)
}

func NewBucket(name, prefix string) *Bucket {
	return &Bucket{name: name, prefix: prefix, newClient: newStorageClient}
}

// Get returns the trimmed contents of the object for key. Every call opens
// its own client.
func (b *Bucket) Get(ctx context.Context, key string) (string, error) {
	client, err := b.newClient(ctx)
	if err != nil {
		return "", fmt.Errorf("new client: %w", err)
	}
	defer func() { _ = client.Close() }()

	obj := objects{client: client, bucket: b.name, prefix: b.prefix}
	byt, err := obj.read(ctx, key, maxSettingBytes)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return "", ensproxy.Missing
	case err != nil:
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return strings.TrimSpace(string(byt)), nil
}

// objects addresses the objects under prefix in one bucket.
type objects struct {
	client *storage.Client
	bucket string
	prefix string
}

func (o objects) handle(key string) *storage.ObjectHandle {
	return o.client.Bucket(o.bucket).Object(o.prefix + key)
}

// read returns at most limit bytes of key. A limit of 0 reads everything.
// A missing object is storage.ErrObjectNotExist.
func (o objects) read(ctx context.Context, key string, limit int64) ([]byte, error) {
	r, err := o.handle(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("new reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit)
	}
	byt, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return byt, nil
}

func (o objects) write(ctx context.Context, key string, data []byte) error {
	w := o.handle(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (o objects) remove(ctx context.Context, key string) error {
	if err := o.handle(key).Delete(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// httpClient returns an HTTP client that doesn't share a global transport. The
// implementation is taken from github.com/hashicorp/go-cleanhttp.
func httpClient(ctx context.Context, scopes ...string) (*http.Client, error) {
	// Nix builds in a sandbox, so we won't have access to any Google
	// default credentials when we're running tests on install.
	if os.Getenv("NIX_BUILD") == "1" {
		return &http.Client{}, nil
	}
	client, err := google.DefaultClient(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("default client: %w", err)
	}
	client.Transport.(*oauth2.Transport).Base = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   -1,
		DisableKeepAlives:     true,
	}
	return client, nil
}

func newStorageClient(ctx context.Context) (*storage.Client, error) {
	innerClient, err := httpClient(ctx,
		"https://www.googleapis.com/auth/devstorage.read_write")
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}
	client, err := storage.NewClient(ctx,
		option.WithHTTPClient(innerClient))
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	return client, nil
}
