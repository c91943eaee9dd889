package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/xid"
	"github.com/sourcegraph/conc"
	"github.com/thankful-ai/ensproxy/internal/intercept"
	"golang.org/x/crypto/acme/autocert"
)

// Hijacker attaches sessions to intercepted requests.
// *intercept.Interceptor implements it.
type Hijacker interface {
	Hijack(
		target intercept.Target,
		filter intercept.Filter,
	) (*intercept.Session, intercept.Decision)
}

// ReverseProxy serves intercepted hosts from resolved content and forwards
// every other request upstream unchanged.
type ReverseProxy struct {
	log         *slog.Logger
	rp          httputil.ReverseProxy
	matcher     *intercept.Matcher
	interceptor Hijacker
	upstream    *url.URL
	forward     bool
	timeout     time.Duration

	// wg tracks upstream requests made on behalf of intercepted ones.
	wg conc.WaitGroup
}

type Opts struct {
	Log         *slog.Logger
	Matcher     *intercept.Matcher
	Interceptor Hijacker

	// Transport used for upstream requests. nil means
	// http.DefaultTransport.
	Transport http.RoundTripper

	// Upstream is where requests that aren't substituted go. Empty means
	// only hosts under the matcher's suffixes are forwarded, to themselves.
	Upstream string

	ForwardUpstream bool
	Timeout         time.Duration
}

// New ReverseProxy from opts.
func New(opts Opts) (*ReverseProxy, error) {
	log := opts.Log.With(slog.String("task", "proxy"))
	var upstream *url.URL
	if opts.Upstream != "" {
		u, err := url.Parse(opts.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("unsupported upstream scheme: %s",
				u.Scheme)
		}
		upstream = u
	}
	director := func(req *http.Request) {
		switch {
		case upstream != nil:
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
		default:
			// Always the Host checked by ServeHTTP, never an
			// absolute-form URL naming somewhere else.
			req.URL.Host = req.Host
			req.URL.Scheme = "http"
			if req.TLS != nil {
				req.URL.Scheme = "https"
			}
		}
		req.Header.Set("X-Real-IP", req.RemoteAddr)
		reqID := req.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = xid.New().String()
			req.Header.Set("X-Request-ID", reqID)
		}
		log.Info("request",
			slog.String("reqID", reqID),
			slog.String("method", req.Method),
			slog.String("host", req.Host))
	}
	errorHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		msg := fmt.Sprintf("http: proxy error: %s %s: %v", r.Method, r.URL, err)
		_, _ = w.Write([]byte(msg))
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ReverseProxy{
		log: log,
		rp: httputil.ReverseProxy{
			Director:     director,
			Transport:    opts.Transport,
			ErrorHandler: errorHandler,
		},
		matcher:     opts.Matcher,
		interceptor: opts.Interceptor,
		upstream:    upstream,
		forward:     opts.ForwardUpstream,
		timeout:     timeout,
	}, nil
}

// Handler compresses responses for clients which accept it.
func (r *ReverseProxy) Handler() http.Handler {
	return gzhttp.GzipHandler(r)
}

func (r *ReverseProxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	target, ok := r.matcher.Match(req)
	if !ok {
		if !r.forwardable(req) {
			http.Error(w, "misdirected request",
				http.StatusMisdirectedRequest)
			return
		}
		r.rp.ServeHTTP(w, req)
		return
	}

	filter := newResponseFilter()
	s, _ := r.interceptor.Hijack(target, filter)
	s.Start()
	if r.forward {
		r.forwardDiscarding(req, s)
	}

	select {
	case <-s.Done():
	case <-req.Context().Done():
		// The session still runs to completion and closes its filter.
		return
	}
	w.Header().Set("X-Request-ID", s.ID.String())
	filter.writeTo(w, s.Err())
}

// forwardable reports whether req may go upstream. Without a configured
// upstream only intercepted hosts are, so the proxy can't be pointed at
// arbitrary hosts.
func (r *ReverseProxy) forwardable(req *http.Request) bool {
	if r.upstream != nil {
		return true
	}
	if req.Host == "" {
		return false
	}
	_, ok := r.matcher.MatchURL(req.Host, nil)
	return ok
}

// forwardDiscarding lets the original request proceed upstream while its
// response is dropped into the session.
func (r *ReverseProxy) forwardDiscarding(req *http.Request, s *intercept.Session) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return
	}

	// A fresh context, not derived from req, so the upstream request
	// outlives the client and an aborted copy doesn't panic.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	out := req.Clone(ctx)
	out.Body = http.NoBody
	out.ContentLength = 0
	out.Header.Set("X-Request-ID", s.ID.String())
	r.wg.Go(func() {
		defer cancel()
		dw := &discardWriter{session: s, header: http.Header{}}
		r.rp.ServeHTTP(dw, out)
		r.log.Debug("discarded upstream response",
			slog.String("reqID", s.ID.String()),
			slog.Int("status", dw.status),
			slog.Int64("bytes", s.Discarded()))
	})
}

// Wait for upstream requests started by intercepted requests to finish.
func (r *ReverseProxy) Wait() {
	r.wg.Wait()
}

// discardWriter feeds an upstream response body into a session, which drops
// it.
type discardWriter struct {
	session *intercept.Session
	header  http.Header
	status  int
}

func (d *discardWriter) Header() http.Header {
	return d.header
}

func (d *discardWriter) WriteHeader(status int) {
	d.status = status
}

func (d *discardWriter) Write(p []byte) (int, error) {
	d.session.OnData(p)
	return len(p), nil
}

// HostPolicy allows certificates only for hosts the matcher intercepts.
func HostPolicy(m *intercept.Matcher) autocert.HostPolicy {
	return func(_ context.Context, host string) error {
		if _, ok := m.MatchURL(host, nil); ok {
			return nil
		}
		return fmt.Errorf("host not allowed: %s", host)
	}
}

func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return strings.TrimSuffix(host, ".")
}
