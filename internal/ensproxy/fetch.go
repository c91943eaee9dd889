package ensproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// FetchResponse is the result of fetching a locator. Only StatusOK means Body
// is authoritative.
type FetchResponse struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// OK reports whether the response should be written to the consumer.
func (r *FetchResponse) OK() bool {
	return r != nil && r.Status == http.StatusOK
}

// Close releases the body, if any.
func (r *FetchResponse) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// ReadAll buffers the body, failing with ErrBodyTooLarge when it exceeds limit
// bytes. limit <= 0 disables the check.
func (r *FetchResponse) ReadAll(limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if limit <= 0 {
		byt, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read all: %w", err)
		}
		return byt, nil
	}
	byt, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	if int64(len(byt)) > limit {
		return nil, fmt.Errorf("read all: %w: over %d bytes",
			ErrBodyTooLarge, limit)
	}
	return byt, nil
}

// Fetcher retrieves a content locator such as ipfs://bafy.../index.html.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (*FetchResponse, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, locator string) (*FetchResponse, error)

func (f FetcherFunc) Fetch(
	ctx context.Context,
	locator string,
) (*FetchResponse, error) {
	return f(ctx, locator)
}

// CheckStatus returns a FetchStatusError for every non-200 response.
func CheckStatus(locator string, rsp *FetchResponse) error {
	if rsp == nil {
		return fmt.Errorf("check status: %w", errors.New("nil response"))
	}
	if !rsp.OK() {
		return FetchStatusError{Locator: locator, Status: rsp.Status}
	}
	return nil
}
