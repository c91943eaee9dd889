package ensproxy

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPClient returns an HTTP client that doesn't share a global transport and
// retries connection errors and 5xx responses a few times before giving up.
// A timeout of 0 leaves requests bounded only by their context.
func HTTPClient(log *slog.Logger, timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: transport(),
	}

	// Non-2xx responses are meaningful to our callers, so hand back the
	// last response rather than an error once retries are exhausted.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if log != nil {
		rc.Logger = retryLogger{log: log}
	} else {
		rc.Logger = nil
	}
	return rc.StandardClient()
}

func transport() *http.Transport {
	return &http.Transport{
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
	}
}

// retryLogger adapts slog to retryablehttp.LeveledLogger.
type retryLogger struct {
	log *slog.Logger
}

func (l retryLogger) Error(msg string, kv ...any) { l.log.Error(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...any)  { l.log.Debug(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...any) { l.log.Debug(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, kv...) }
