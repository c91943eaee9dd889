package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

// Resolver turns a target into fetched content. *ensproxy.Engine implements
// it.
type Resolver interface {
	Resolve(
		ctx context.Context,
		names ensproxy.NameResolver,
		domain, path string,
	) (ensproxy.Result, error)
}

// Binder returns the name resolver binding a session should use.
// *ensproxy.Bindings implements it.
type Binder interface {
	Current() *ensproxy.Binding
}

// Metrics observed per session. Implementations must be safe for concurrent
// use.
type Metrics interface {
	SessionStarted()
	SessionClosed(outcome string)
}

// Decision is returned to the host for every hijacked request. The original
// request is never canceled; its response body is discarded instead.
type Decision struct {
	Canceled bool
}

// Interceptor creates a session per intercepted request and runs its
// resolution in the background.
type Interceptor struct {
	log      *slog.Logger
	resolver Resolver
	binder   Binder
	reporter ensproxy.Reporter
	metrics  Metrics
	maxBody  int64

	// ctx bounds every session. Sessions are not canceled individually.
	ctx context.Context
	wg  conc.WaitGroup
}

type InterceptorOpts struct {
	Log      *slog.Logger
	Resolver Resolver
	Binder   Binder

	// Reporter and Metrics are optional.
	Reporter ensproxy.Reporter
	Metrics  Metrics

	// MaxBodyBytes caps the substituted payload. 0 means unlimited.
	MaxBodyBytes int64
}

func New(ctx context.Context, opts InterceptorOpts) *Interceptor {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = ensproxy.NopReporter{}
	}
	return &Interceptor{
		log:      opts.Log.With(slog.String("task", "interceptor")),
		resolver: opts.Resolver,
		binder:   opts.Binder,
		reporter: reporter,
		metrics:  opts.Metrics,
		maxBody:  opts.MaxBodyBytes,
		ctx:      context.WithoutCancel(ctx),
	}
}

// Hijack attaches a session to filter for target. It returns immediately;
// resolution begins when the host calls Session.Start.
func (i *Interceptor) Hijack(target Target, filter Filter) (*Session, Decision) {
	s := newSession(i.log, target, filter, i.launch)
	s.log.Debug("intercepted request")
	return s, Decision{Canceled: false}
}

// Wait blocks until every started session has closed.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// launch captures the current binding and resolves on a new goroutine.
func (i *Interceptor) launch(s *Session) {
	binding := i.binder.Current()
	if i.metrics != nil {
		i.metrics.SessionStarted()
	}
	i.wg.Go(func() {
		i.run(i.ctx, s, binding)
	})
}

func (i *Interceptor) run(
	ctx context.Context,
	s *Session,
	binding *ensproxy.Binding,
) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.fail(err, nil)
		}

		// Every exit path leaves the filter closed.
		s.fail(errors.New("session abandoned"), nil)
		i.finish(ctx, s)
	}()

	if err = s.resolving(); err != nil {
		s.log.Error("failed to start", slog.String("error", err.Error()))
		return
	}
	if binding == nil || binding.Names == nil {
		s.fail(fmt.Errorf("%w: no name resolver bound",
			ensproxy.ErrNameResolution), nil)
		return
	}

	res, err := i.resolver.Resolve(ctx, binding.Names, s.Target.Domain,
		s.Target.Path)
	if err != nil {
		var diag []byte
		if kind, ok := ensproxy.IsUnsupported(err); ok {
			diag = []byte(ensproxy.UnsupportedProtocolError{
				Kind: kind,
			}.Error())
		}
		s.fail(err, diag)
		return
	}
	defer func() { _ = res.Response.Close() }()

	if err = ensproxy.CheckStatus(res.Locator, res.Response); err != nil {
		s.fail(err, nil)
		return
	}
	payload, err := res.Response.ReadAll(i.maxBody)
	if err != nil {
		s.fail(fmt.Errorf("%w: %s: %w", ensproxy.ErrFetch, res.Locator,
			err), nil)
		return
	}
	if err = s.substitute(res.Response.Header, payload); err != nil {
		s.log.Error("failed to substitute",
			slog.String("locator", res.Locator),
			slog.String("error", err.Error()))
		return
	}
	s.log.Info("substituted",
		slog.String("locator", res.Locator),
		slog.Int("bytes", len(payload)))
}

func (i *Interceptor) finish(ctx context.Context, s *Session) {
	err := s.Err()
	if i.metrics != nil {
		i.metrics.SessionClosed(ensproxy.Outcome(err))
	}
	if err == nil {
		return
	}
	s.log.Error("failed to resolve", slog.String("error", err.Error()))
	i.reporter.Report(ctx, fmt.Errorf("%s: %w", s.Target, err))
}
