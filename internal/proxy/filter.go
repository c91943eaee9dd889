package proxy

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sasha-s/go-deadlock"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"github.com/thankful-ai/ensproxy/internal/intercept"
)

var (
	_ intercept.Filter       = &responseFilter{}
	_ intercept.HeaderSetter = &responseFilter{}
)

var errFilterClosed = errors.New("filter closed")

// copiedHeaders are carried from a fetched response to the client.
var copiedHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Content-Language",
	"ETag",
	"Last-Modified",
}

// responseFilter buffers the substituted body of one response until its
// session closes it.
type responseFilter struct {
	mu     deadlock.Mutex
	header http.Header
	buf    bytes.Buffer
	closed bool
}

func newResponseFilter() *responseFilter {
	return &responseFilter{header: http.Header{}}
}

func (f *responseFilter) SetHeader(h http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, k := range copiedHeaders {
		if v := h.Get(k); v != "" {
			f.header.Set(k, v)
		}
	}
}

func (f *responseFilter) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errFilterClosed
	}
	_, _ = f.buf.Write(p)
	return nil
}

func (f *responseFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errFilterClosed
	}
	f.closed = true
	return nil
}

// writeTo sends the buffered body to w. cause is the session's error; any
// failure is sent as a bodyless status unless the session wrote a diagnostic.
func (f *responseFilter) writeTo(w http.ResponseWriter, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body := f.buf.Bytes()
	for k, v := range f.header {
		w.Header()[k] = v
	}
	if len(body) > 0 && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", mimetype.Detect(body).String())
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusFor(cause))
	_, _ = w.Write(body)
}

// statusFor maps a session outcome onto the status sent to the client. Client
// errors from the gateway, such as a missing path, are passed through.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var fse ensproxy.FetchStatusError
	if errors.As(err, &fse) && fse.Status >= 400 && fse.Status < 500 {
		return fse.Status
	}
	return http.StatusBadGateway
}
