// Package report sends failed resolutions to Sentry.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

var _ ensproxy.Reporter = &Sentry{}

type Config struct {
	DSN         string `json:"dsn"`
	Environment string `json:"environment,omitempty"`
}

// Sentry reports through its own hub, leaving the global hub untouched.
type Sentry struct {
	log *slog.Logger
	hub *sentry.Hub
}

// NewSentry returns a reporter for conf, which must name a DSN.
func NewSentry(log *slog.Logger, conf Config, release string) (*Sentry, error) {
	return newSentry(log, conf, release, nil)
}

// newSentry sends events through transport. nil uses sentry's HTTP transport.
func newSentry(
	log *slog.Logger,
	conf Config,
	release string,
	transport sentry.Transport,
) (*Sentry, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         conf.DSN,
		Environment: conf.Environment,
		Release:     "ensproxy@" + release,
		Transport:   transport,
	})
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	return &Sentry{
		log: log.With(slog.String("task", "sentry")),
		hub: sentry.NewHub(client, sentry.NewScope()),
	}, nil
}

func (s *Sentry) Report(ctx context.Context, err error) {
	hub := s.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("outcome", ensproxy.Outcome(err))
		if kind, ok := ensproxy.IsUnsupported(err); ok {
			scope.SetTag("protocol", string(kind))
		}
	})
	if id := hub.CaptureException(err); id == nil {
		s.log.Debug("sentry dropped event",
			slog.String("error", err.Error()))
	}
}

// Flush waits up to timeout for queued events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
