package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

// DefaultGateways serve deserialized responses for /ipfs/ paths.
var DefaultGateways = []string{
	"https://dweb.link",
	"https://ipfs.io",
}

var (
	_ ensproxy.Fetcher = &Gateway{}
	_ ensproxy.Fetcher = Multi{}
)

// Gateway fetches ipfs:// locators from a path-style HTTP gateway.
type Gateway struct {
	base   *url.URL
	client *http.Client
}

func New(endpoint string, client *http.Client) (*Gateway, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return &Gateway{base: u, client: client}, nil
}

func (g *Gateway) String() string {
	return g.base.String()
}

// URL maps a locator such as "ipfs://bafy.../a.html?x=1" onto the gateway:
// "{base}/ipfs/bafy.../a.html?x=1".
func (g *Gateway) URL(locator string) (string, error) {
	const scheme = "ipfs://"
	if !strings.HasPrefix(locator, scheme) {
		return "", fmt.Errorf("unsupported locator: %s", locator)
	}
	rest := strings.TrimPrefix(locator, scheme)
	id, path := rest, "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		id, path = rest[:i], rest[i:]
		if strings.HasPrefix(path, "?") {
			path = "/" + path
		}
	}
	if _, err := cid.Decode(id); err != nil {
		return "", fmt.Errorf("decode cid %s: %w", id, err)
	}
	return g.base.String() + "/ipfs/" + id + path, nil
}

// Fetch returns the gateway's response as is. The caller owns the body.
func (g *Gateway) Fetch(
	ctx context.Context,
	locator string,
) (*ensproxy.FetchResponse, error) {
	uri, err := g.URL(locator)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("new request with context: %w", err)
	}
	rsp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	return &ensproxy.FetchResponse{
		Status: rsp.StatusCode,
		Header: rsp.Header,
		Body:   rsp.Body,
	}, nil
}

// Multi tries each fetcher in order and returns the first 200 response. If
// none succeeds it returns the last response, or the last error when no
// fetcher produced a response at all. The order is fixed by the caller.
type Multi struct {
	Log      *slog.Logger
	Fetchers []ensproxy.Fetcher
}

func (m Multi) Fetch(
	ctx context.Context,
	locator string,
) (*ensproxy.FetchResponse, error) {
	if len(m.Fetchers) == 0 {
		return nil, errors.New("no fetchers")
	}
	var (
		last    *ensproxy.FetchResponse
		lastErr error
	)
	for i, f := range m.Fetchers {
		rsp, err := f.Fetch(ctx, locator)
		if err != nil {
			lastErr = err
			m.debug("fetcher failed", i, locator,
				slog.String("error", err.Error()))
			continue
		}
		if rsp.OK() {
			_ = last.Close()
			return rsp, nil
		}
		m.debug("fetcher returned non-200", i, locator,
			slog.Int("status", rsp.Status))
		_ = last.Close()
		last = rsp
	}
	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("all fetchers failed: %w", lastErr)
}

func (m Multi) debug(msg string, i int, locator string, attr slog.Attr) {
	if m.Log == nil {
		return
	}
	m.Log.Debug(msg, slog.Int("fetcher", i),
		slog.String("locator", locator), attr)
}

// NewMulti builds a Multi over gateways at endpoints, in order. No endpoints
// means DefaultGateways.
func NewMulti(
	log *slog.Logger,
	endpoints []string,
	client *http.Client,
) (Multi, error) {
	if len(endpoints) == 0 {
		endpoints = DefaultGateways
	}
	m := Multi{Log: log.With(slog.String("task", "gateway"))}
	for _, e := range endpoints {
		g, err := New(e, client)
		if err != nil {
			return Multi{}, fmt.Errorf("new %s: %w", e, err)
		}
		m.Fetchers = append(m.Fetchers, g)
	}
	return m, nil
}
