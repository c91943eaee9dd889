package ipns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

const (
	// DefaultRouter is a public delegated routing endpoint.
	DefaultRouter = "https://delegated-ipfs.dev"

	recordContentType = "application/vnd.ipfs.ipns-record"
	maxRecordBytes    = 10 * 1024
)

type Mode string

const (
	ModeDefault Mode = ""
	ModeRouting Mode = "routing"
	ModeKubo    Mode = "kubo"
)

type Config struct {
	Mode Mode `json:"mode,omitempty"`

	// Endpoint is the routing or Kubo RPC base URL.
	Endpoint string `json:"endpoint,omitempty"`

	Timeout ensproxy.Duration `json:"timeout,omitempty"`
}

// New returns the resolver described by conf.
func New(conf Config, client *http.Client) (ensproxy.PointerResolver, error) {
	switch conf.Mode {
	case ModeRouting, ModeDefault:
		endpoint := conf.Endpoint
		if endpoint == "" {
			endpoint = DefaultRouter
		}
		return NewRouter(endpoint, client)
	case ModeKubo:
		if conf.Endpoint == "" {
			return nil, fmt.Errorf("kubo endpoint must not be empty")
		}
		return NewKubo(conf.Endpoint, client)
	default:
		return nil, fmt.Errorf("unknown ipns mode: %s", conf.Mode)
	}
}

var (
	_ ensproxy.PointerResolver = &Router{}
	_ ensproxy.PointerResolver = &Kubo{}
)

// Router fetches signed records from a delegated routing server
// (/routing/v1/ipns/{name}).
type Router struct {
	base   *url.URL
	client *http.Client
	now    func() time.Time
}

func NewRouter(endpoint string, client *http.Client) (*Router, error) {
	u, err := parseBase(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse base: %w", err)
	}
	return &Router{base: u, client: client, now: time.Now}, nil
}

func (r *Router) Resolve(
	ctx context.Context,
	name ensproxy.PointerName,
) (cid.Cid, error) {
	uri := r.base.JoinPath("routing", "v1", "ipns", name.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		uri.String(), nil)
	if err != nil {
		return cid.Undef, fmt.Errorf("new request with context: %w", err)
	}
	req.Header.Set("Accept", recordContentType)

	byt, err := do(r.client, req)
	if err != nil {
		return cid.Undef, fmt.Errorf("do: %w", err)
	}
	rec, err := UnmarshalRecord(byt)
	if err != nil {
		return cid.Undef, fmt.Errorf("unmarshal record: %w", err)
	}
	c, err := rec.CID(r.now())
	if err != nil {
		return cid.Undef, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

// Kubo resolves names through a Kubo node's RPC API, which follows the full
// chain itself.
type Kubo struct {
	base   *url.URL
	client *http.Client
}

func NewKubo(endpoint string, client *http.Client) (*Kubo, error) {
	u, err := parseBase(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse base: %w", err)
	}
	return &Kubo{base: u, client: client}, nil
}

func (k *Kubo) Resolve(
	ctx context.Context,
	name ensproxy.PointerName,
) (cid.Cid, error) {
	uri := k.base.JoinPath("api", "v0", "name", "resolve")
	q := uri.Query()
	q.Set("arg", "/ipns/"+name.String())
	q.Set("recursive", "true")
	uri.RawQuery = q.Encode()

	// Kubo's RPC only accepts POST.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uri.String(), bytes.NewReader(nil))
	if err != nil {
		return cid.Undef, fmt.Errorf("new request with context: %w", err)
	}
	byt, err := do(k.client, req)
	if err != nil {
		return cid.Undef, fmt.Errorf("do: %w", err)
	}
	var out struct {
		Path string `json:"Path"`
	}
	if err = json.Unmarshal(byt, &out); err != nil {
		return cid.Undef, fmt.Errorf("unmarshal: %w", err)
	}
	c, err := parseValue(out.Path)
	if err != nil {
		return cid.Undef, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	rsp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer func() { _ = rsp.Body.Close() }()

	byt, err := io.ReadAll(io.LimitReader(rsp.Body, maxRecordBytes))
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	switch rsp.StatusCode {
	case http.StatusOK:
		return byt, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", req.URL.Path, ensproxy.Missing)
	default:
		return nil, fmt.Errorf("unexpected status, want 200: %d: %s",
			rsp.StatusCode, strings.TrimSpace(string(byt)))
	}
}

func parseBase(endpoint string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u, nil
}
