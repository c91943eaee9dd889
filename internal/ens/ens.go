package ens

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"golang.org/x/crypto/sha3"
)

const (
	// DefaultRPC is used when no endpoint is configured.
	DefaultRPC = "https://eth.merkle.io"

	// DefaultRegistry is the ENS registry on Ethereum mainnet.
	DefaultRegistry = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"
)

var (
	selectorResolver    = selector("resolver(bytes32)")
	selectorContentHash = selector("contenthash(bytes32)")
)

var _ ensproxy.NameResolver = &Client{}

type Config struct {
	// Registry overrides DefaultRegistry, e.g. for a testnet.
	Registry string `json:"registry,omitempty"`

	// Timeout of each RPC call. 0 means 30s.
	Timeout ensproxy.Duration `json:"timeout,omitempty"`
}

// Client reads contenthash records from ENS over Ethereum JSON-RPC.
type Client struct {
	rpc      string
	registry string
	client   *http.Client
	nextID   atomic.Uint64
}

type Opts struct {
	RPC        string
	Registry   string
	HTTPClient *http.Client
}

func New(opts Opts) *Client {
	c := &Client{
		rpc:      opts.RPC,
		registry: opts.Registry,
		client:   opts.HTTPClient,
	}
	if c.rpc == "" {
		c.rpc = DefaultRPC
	}
	if c.registry == "" {
		c.registry = DefaultRegistry
	}
	if c.client == nil {
		c.client = ensproxy.HTTPClient(nil, 30*time.Second)
	}
	return c
}

// NewFactory returns a factory which binds clients to an RPC endpoint.
func NewFactory(
	log *slog.Logger,
	conf Config,
) ensproxy.NameResolverFactory {
	timeout := time.Duration(conf.Timeout)
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	log = log.With(slog.String("task", "ens"))
	return func(rpcURL string) (ensproxy.NameResolver, error) {
		if rpcURL != "" {
			u, err := url.Parse(rpcURL)
			if err != nil {
				return nil, fmt.Errorf("parse rpc: %w", err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return nil, fmt.Errorf("unsupported rpc scheme: %s",
					u.Scheme)
			}
		}
		return New(Opts{
			RPC:        rpcURL,
			Registry:   conf.Registry,
			HTTPClient: ensproxy.HTTPClient(log, timeout),
		}), nil
	}
}

// ContentHash looks up the resolver of name in the registry and reads its
// contenthash record.
func (c *Client) ContentHash(
	ctx context.Context,
	name string,
) (ensproxy.Record, error) {
	node := Namehash(name)

	word, err := c.call(ctx, c.registry, selectorResolver, node)
	if err != nil {
		return ensproxy.Record{}, fmt.Errorf("call resolver: %w", err)
	}
	if len(word) < 32 {
		return ensproxy.Record{}, fmt.Errorf("short resolver result: %d bytes",
			len(word))
	}
	addr := word[12:32]
	if bytes.Equal(addr, make([]byte, 20)) {
		return ensproxy.Record{}, fmt.Errorf("%s: no resolver: %w",
			name, ensproxy.Missing)
	}

	out, err := c.call(ctx, "0x"+hex.EncodeToString(addr),
		selectorContentHash, node)
	if err != nil {
		return ensproxy.Record{}, fmt.Errorf("call contenthash: %w", err)
	}
	raw, err := decodeBytes(out)
	if err != nil {
		return ensproxy.Record{}, fmt.Errorf("decode bytes: %w", err)
	}
	rec, err := DecodeContentHash(raw)
	if err != nil {
		return ensproxy.Record{}, fmt.Errorf("decode contenthash: %w", err)
	}
	return rec, nil
}

// Namehash implements the ENS name hashing algorithm. Labels are lowercased;
// full UTS-46 normalization is left to the caller.
func Namehash(name string) [32]byte {
	var node [32]byte
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := keccak([]byte(labels[i]))
		copy(node[:], keccak(node[:], label))
	}
	return node
}

func keccak(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	return h.Sum(nil)
}

func selector(signature string) []byte {
	return keccak([]byte(signature))[:4]
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type callMsg struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type rpcResponse struct {
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs eth_call of sel(node) against the contract at to.
func (c *Client) call(
	ctx context.Context,
	to string,
	sel []byte,
	node [32]byte,
) ([]byte, error) {
	data := make([]byte, 0, len(sel)+len(node))
	data = append(data, sel...)
	data = append(data, node[:]...)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "eth_call",
		Params: []any{
			callMsg{To: to, Data: "0x" + hex.EncodeToString(data)},
			"latest",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpc,
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request with context: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer func() { _ = rsp.Body.Close() }()

	if rsp.StatusCode != http.StatusOK {
		byt, _ := io.ReadAll(io.LimitReader(rsp.Body, 512))
		return nil, fmt.Errorf("unexpected status, want 200: %d: %s",
			rsp.StatusCode, bytes.TrimSpace(byt))
	}
	var out rpcResponse
	if err = json.NewDecoder(rsp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	result, err := hex.DecodeString(strings.TrimPrefix(out.Result, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return result, nil
}

// decodeBytes unpacks a single ABI-encoded dynamic bytes return value.
func decodeBytes(out []byte) ([]byte, error) {
	if len(out) == 0 {
		// Resolvers without the record return nothing.
		return nil, nil
	}
	if len(out) < 64 {
		return nil, fmt.Errorf("short result: %d bytes", len(out))
	}
	offset, err := abiUint(out[:32])
	if err != nil {
		return nil, fmt.Errorf("offset: %w", err)
	}
	if offset > uint64(len(out))-32 {
		return nil, fmt.Errorf("offset out of range: %d", offset)
	}
	length, err := abiUint(out[offset : offset+32])
	if err != nil {
		return nil, fmt.Errorf("length: %w", err)
	}
	start := offset + 32
	if length > uint64(len(out))-start {
		return nil, fmt.Errorf("length out of range: %d", length)
	}
	return out[start : start+length], nil
}

func abiUint(word []byte) (uint64, error) {
	if !bytes.Equal(word[:24], make([]byte, 24)) {
		return 0, errors.New("value overflows uint64")
	}
	return binary.BigEndian.Uint64(word[24:32]), nil
}
