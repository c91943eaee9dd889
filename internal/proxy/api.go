package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

// ActionSetEthRPC rebinds the name resolver to the RPC URL in Data.
const ActionSetEthRPC = "set eth_rpc"

// ConfigMessage changes runtime configuration, e.g.
// {"action": "set eth_rpc", "data": "https://..."}.
type ConfigMessage struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// Rebinder swaps the name resolver binding. *ensproxy.Bindings implements it.
type Rebinder interface {
	Current() *ensproxy.Binding
	Set(rpcURL string) error
}

// APIMetrics is optional.
type APIMetrics interface {
	Rebound()
	Handler() http.Handler
}

// API is the admin interface. It only answers requests from its subnets.
type API struct {
	log      *slog.Logger
	bindings Rebinder
	metrics  APIMetrics
	networks []netip.Prefix
	handler  http.Handler
}

type APIOpts struct {
	Log      *slog.Logger
	Bindings Rebinder
	Metrics  APIMetrics

	// Subnets allowed to call the API. Empty means loopback only.
	Subnets []string
}

func NewAPI(opts APIOpts) (*API, error) {
	subnets := opts.Subnets
	if len(subnets) == 0 {
		subnets = []string{"127.0.0.0/8", "::1/128"}
	}
	networks := make([]netip.Prefix, 0, len(subnets))
	for _, prefix := range subnets {
		pfx, err := netip.ParsePrefix(prefix)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %s: %w", prefix,
				err)
		}
		networks = append(networks, pfx)
	}
	a := &API{
		log:      opts.Log.With(slog.String("task", "api")),
		bindings: opts.Bindings,
		metrics:  opts.Metrics,
		networks: networks,
	}

	// RealIP is not used. The LAN check must see the peer address, not a
	// header the peer controls.
	r := chi.NewRouter()
	r.Use(a.lanOnly)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", a.getHealth)
	r.Get("/binding", e(a.getBinding))
	r.Post("/config", e(a.postConfig))
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}
	a.handler = r
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

func (a *API) lanOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isLAN(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) getHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"load":0}`))
}

type bindingResponse struct {
	RPC string `json:"rpc"`
}

func (a *API) getBinding(
	w http.ResponseWriter,
	r *http.Request,
) (any, error) {
	return a.binding(), nil
}

// postConfig applies a ConfigMessage and returns the resulting binding.
func (a *API) postConfig(
	w http.ResponseWriter,
	r *http.Request,
) (any, error) {
	var msg ConfigMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	if err := dec.Decode(&msg); err != nil {
		return nil, badRequest(fmt.Errorf("decode: %w", err))
	}
	switch msg.Action {
	case ActionSetEthRPC:
		if err := a.bindings.Set(msg.Data); err != nil {
			a.log.Error("failed to set eth rpc",
				slog.String("reqID", middleware.GetReqID(r.Context())),
				slog.String("error", err.Error()))
			return nil, badRequest(fmt.Errorf("set: %w", err))
		}
		if a.metrics != nil {
			a.metrics.Rebound()
		}
		return a.binding(), nil
	default:
		return nil, badRequest(fmt.Errorf("unknown action: %q",
			msg.Action))
	}
}

func (a *API) binding() bindingResponse {
	var data bindingResponse
	if b := a.bindings.Current(); b != nil {
		data.RPC = b.RPC
	}
	return data
}

func (a *API) isLAN(r *http.Request) bool {
	addr, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		ip, err := netip.ParseAddr(stripPort(r.RemoteAddr))
		if err != nil {
			return false
		}
		addr = netip.AddrPortFrom(ip, 0)
	}
	ip := addr.Addr().Unmap()
	for _, network := range a.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func badRequest(err error) badRequestError {
	return badRequestError(fmt.Sprintf("bad request: %v", err))
}

func (e badRequestError) Is(target error) bool {
	_, ok := target.(badRequestError)
	return ok
}

type apiHandler func(http.ResponseWriter, *http.Request) (any, error)

func e(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		x, err := h(w, r)
		switch {
		case errors.Is(err, badRequestError("")):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if x == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Data any `json:"data"`
		}{Data: x})
	}
}
