package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"github.com/thankful-ai/ensproxy/internal/metrics"
	"github.com/thankful-ai/ensproxy/internal/proxy"
	"github.com/thejerf/suture/v4"
)

// httpServer runs srv until the supervisor's context is canceled, then shuts
// it down gracefully.
type httpServer struct {
	log *slog.Logger
	srv *http.Server
	tls bool
}

func (h *httpServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if h.tls {
			errCh <- h.srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- h.srv.ListenAndServe()
	}()
	h.log.Debug("serving", slog.String("addr", h.srv.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("listen and serve %s: %w", h.srv.Addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		timeout)
	defer cancel()
	if err := h.srv.Shutdown(shutdownCtx); err != nil {
		h.log.Error("failed to shutdown server gracefully",
			slog.String("error", err.Error()))
	}
	return ctx.Err()
}

func (h *httpServer) String() string {
	return "http " + h.srv.Addr
}

// reloader re-reads eth_rpc on SIGHUP and rebinds the name resolver when it
// changed.
type reloader struct {
	log        *slog.Logger
	configPath string
	bindings   *ensproxy.Bindings
	metrics    *metrics.Metrics
}

func (r *reloader) Serve(ctx context.Context) error {
	sighupCh := make(chan os.Signal, 1)
	signal.Notify(sighupCh, syscall.SIGHUP)
	defer signal.Stop(sighupCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sighupCh:
			if err := r.reload(ctx); err != nil {
				r.log.Error("failed to reload",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (r *reloader) reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conf, err := proxy.ParseConfig(r.configPath)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	rpc, err := ensproxy.EthRPC(ctx, newSettingsStore(conf.Settings))
	if err != nil {
		return fmt.Errorf("eth rpc: %w", err)
	}
	if cur := r.bindings.Current(); cur != nil && cur.RPC == rpc {
		r.log.Info("eth rpc unchanged")
		return nil
	}
	if err = r.bindings.Set(rpc); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	r.metrics.Rebound()
	return nil
}

func (r *reloader) String() string {
	return "reloader"
}

// prewarmer resolves the configured domains once at startup.
type prewarmer struct {
	log      *slog.Logger
	engine   *ensproxy.Engine
	bindings *ensproxy.Bindings
	domains  []string
}

func (p *prewarmer) Serve(ctx context.Context) error {
	const concurrency = 4
	start := time.Now()
	err := p.engine.Prewarm(ctx, p.bindings.Current().Names, p.domains,
		concurrency)
	switch {
	case errors.Is(err, context.Canceled):
		return ctx.Err()
	case err != nil:
		p.log.Info("prewarmed with errors",
			slog.Int("domains", len(p.domains)),
			slog.Duration("took", time.Since(start)))
	default:
		p.log.Info("prewarmed",
			slog.Int("domains", len(p.domains)),
			slog.Duration("took", time.Since(start)))
	}
	return suture.ErrDoNotRestart
}

func (p *prewarmer) String() string {
	return "prewarmer"
}
