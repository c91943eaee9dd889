package ensproxy

import "context"

// Reporter for errors on a best-effort basis.
type Reporter interface {
	Report(ctx context.Context, err error)
}

// NopReporter discards every error.
type NopReporter struct{}

func (NopReporter) Report(context.Context, error) {}

// Reporters fans an error out to every reporter in order.
type Reporters []Reporter

func (rs Reporters) Report(ctx context.Context, err error) {
	for _, r := range rs {
		r.Report(ctx, err)
	}
}
