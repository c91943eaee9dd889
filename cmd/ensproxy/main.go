package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thankful-ai/ensproxy/internal/ens"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"github.com/thankful-ai/ensproxy/internal/gateway"
	"github.com/thankful-ai/ensproxy/internal/google"
	"github.com/thankful-ai/ensproxy/internal/intercept"
	"github.com/thankful-ai/ensproxy/internal/ipns"
	"github.com/thankful-ai/ensproxy/internal/metrics"
	"github.com/thankful-ai/ensproxy/internal/proxy"
	"github.com/thankful-ai/ensproxy/internal/report"
	"github.com/thejerf/suture/v4"
	"golang.org/x/crypto/acme/autocert"
)

const timeout = 60 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("c", "config.json", "config file")
	flag.Usage = func() {
		usage([]string{})
	}
	flag.Parse()

	conf, err := proxy.ParseConfig(*configPath)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	log, err := ensproxy.NewLogger(os.Stdout, conf.Log)
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, log, conf, *configPath)
	if err != nil {
		return fmt.Errorf("new app: %w", err)
	}

	supervisor := suture.New("ensproxy", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Error("event hook", slog.String("event", ev.String()))
		},
	})
	for _, srv := range a.services {
		_ = supervisor.Add(srv)
	}
	log.Info("listening",
		slog.Int("httpPort", conf.HTTP.Port),
		slog.Int("httpsPort", conf.HTTPS.Port),
		slog.Int("adminPort", conf.Admin.Port),
		slog.String("version", version))

	err = supervisor.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}

	log.Info("shutting down...")
	a.drain(timeout)
	log.Info("shut down")
	return nil
}

type app struct {
	log         *slog.Logger
	bindings    *ensproxy.Bindings
	engine      *ensproxy.Engine
	interceptor *intercept.Interceptor
	proxy       *proxy.ReverseProxy
	metrics     *metrics.Metrics
	sentry      *report.Sentry
	services    []suture.Service
}

func newApp(
	ctx context.Context,
	log *slog.Logger,
	conf proxy.Config,
	configPath string,
) (*app, error) {
	a := &app{log: log, metrics: metrics.New()}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rpc, err := ensproxy.EthRPC(initCtx, newSettingsStore(conf.Settings))
	if err != nil {
		return nil, fmt.Errorf("eth rpc: %w", err)
	}
	a.bindings, err = ensproxy.NewBindings(log,
		ens.NewFactory(log, conf.ENS), rpc)
	if err != nil {
		return nil, fmt.Errorf("new bindings: %w", err)
	}

	pointers, err := ipns.New(conf.IPNS,
		ensproxy.HTTPClient(log.With(slog.String("task", "ipns")),
			time.Duration(conf.IPNS.Timeout)))
	if err != nil {
		return nil, fmt.Errorf("new ipns: %w", err)
	}
	fetcher, err := gateway.NewMulti(log, conf.Gateways,
		ensproxy.HTTPClient(log.With(slog.String("task", "gateway")),
			conf.RequestTimeout()))
	if err != nil {
		return nil, fmt.Errorf("new gateways: %w", err)
	}
	a.engine = ensproxy.NewEngine(ensproxy.EngineOpts{
		Log:          log,
		Pointers:     pointers,
		Fetcher:      fetcher,
		RecordCache:  conf.Cache.Records,
		PointerCache: conf.Cache.Pointers,
		Metrics:      a.metrics,
	})

	reporter, err := a.newReporter(ctx, conf.Report)
	if err != nil {
		return nil, fmt.Errorf("new reporter: %w", err)
	}
	a.interceptor = intercept.New(ctx, intercept.InterceptorOpts{
		Log:          log,
		Resolver:     a.engine,
		Binder:       a.bindings,
		Reporter:     reporter,
		Metrics:      a.metrics,
		MaxBodyBytes: conf.MaxBodyBytes,
	})

	matcher, err := intercept.NewMatcher(conf.Match)
	if err != nil {
		return nil, fmt.Errorf("new matcher: %w", err)
	}
	log.Info("intercepting", slog.String("matcher", matcher.String()))
	a.proxy, err = proxy.New(proxy.Opts{
		Log:             log,
		Matcher:         matcher,
		Interceptor:     a.interceptor,
		Upstream:        conf.Upstream,
		ForwardUpstream: conf.ForwardUpstream,
		Timeout:         conf.RequestTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("new proxy: %w", err)
	}

	// We cannot set a short write timeout on the servers, since a
	// substituted response is only written once it's fully fetched.
	handler := a.proxy.Handler()
	if conf.HTTPS.Port != 0 {
		// The cert cache's credentials outlive initCtx.
		m, err := newAutocertManager(ctx, conf.HTTPS, matcher)
		if err != nil {
			return nil, fmt.Errorf("new autocert manager: %w", err)
		}
		a.services = append(a.services, &httpServer{
			log: log.With(slog.String("task", "https")),
			tls: true,
			srv: &http.Server{
				Addr:           fmt.Sprintf(":%d", conf.HTTPS.Port),
				Handler:        handler,
				ReadTimeout:    timeout,
				MaxHeaderBytes: 1 << 20,
				TLSConfig: &tls.Config{
					GetCertificate: m.GetCertificate,
					MinVersion:     tls.VersionTLS12,
				},
			},
		})
		handler = m.HTTPHandler(handler)
	}
	a.services = append(a.services, &httpServer{
		log: log.With(slog.String("task", "http")),
		srv: &http.Server{
			Addr:           fmt.Sprintf(":%d", conf.HTTP.Port),
			Handler:        handler,
			ReadTimeout:    timeout,
			MaxHeaderBytes: 1 << 20,
		},
	})

	if conf.Admin.Port != 0 {
		api, err := proxy.NewAPI(proxy.APIOpts{
			Log:      log,
			Bindings: a.bindings,
			Metrics:  a.metrics,
			Subnets:  conf.Admin.Subnets,
		})
		if err != nil {
			return nil, fmt.Errorf("new api: %w", err)
		}
		a.services = append(a.services, &httpServer{
			log: log.With(slog.String("task", "admin")),
			srv: &http.Server{
				Addr:           fmt.Sprintf(":%d", conf.Admin.Port),
				Handler:        api,
				ReadTimeout:    10 * time.Second,
				WriteTimeout:   10 * time.Second,
				MaxHeaderBytes: 1 << 20,
			},
		})
	}

	a.services = append(a.services, &reloader{
		log:        log.With(slog.String("task", "reloader")),
		configPath: configPath,
		bindings:   a.bindings,
		metrics:    a.metrics,
	})
	if len(conf.Prewarm) > 0 {
		a.services = append(a.services, &prewarmer{
			log:      log.With(slog.String("task", "prewarm")),
			engine:   a.engine,
			bindings: a.bindings,
			domains:  conf.Prewarm,
		})
	}
	return a, nil
}

func (a *app) newReporter(
	ctx context.Context,
	conf proxy.ReportConfig,
) (ensproxy.Reporter, error) {
	var reporters ensproxy.Reporters
	if conf.Sentry.DSN != "" {
		s, err := report.NewSentry(a.log, conf.Sentry, version)
		if err != nil {
			return nil, fmt.Errorf("new sentry: %w", err)
		}
		a.sentry = s
		reporters = append(reporters, s)
	}
	if conf.Project != "" {
		g, err := google.NewReporter(ctx, google.ReporterOpts{
			Log:     a.log,
			Service: "ensproxy",
			Version: version,
			Project: conf.Project,
		})
		if err != nil {
			return nil, fmt.Errorf("new google reporter: %w", err)
		}
		reporters = append(reporters, g)
	}
	return reporters, nil
}

// drain waits for in-flight sessions and pending reports, giving up after
// timeout.
func (a *app) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.interceptor.Wait()
		a.proxy.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.log.Error("timed out waiting for sessions")
	}
	if a.sentry != nil {
		a.sentry.Flush(5 * time.Second)
	}
}

func newSettingsStore(conf proxy.SettingsConfig) ensproxy.SettingsStore {
	switch {
	case conf.Bucket != "":
		return google.NewBucket(conf.Bucket, conf.Prefix)
	case conf.File != "":
		return ensproxy.FileSettings{Path: conf.File}
	default:
		return ensproxy.NopSettings{}
	}
}

func newAutocertManager(
	ctx context.Context,
	conf proxy.HTTPSConfig,
	matcher *intercept.Matcher,
) (*autocert.Manager, error) {
	var cache autocert.Cache
	switch {
	case conf.CertBucket != "":
		c, err := google.NewCertCache(ctx, conf.CertBucket, "certs/")
		if err != nil {
			return nil, fmt.Errorf("new cert cache: %w", err)
		}
		cache = c
	default:
		cache = autocert.DirCache(conf.CertDir)
	}
	return &autocert.Manager{
		Cache:      cache,
		Prompt:     autocert.AcceptTOS,
		Email:      conf.Email,
		HostPolicy: proxy.HostPolicy(matcher),
	}, nil
}

func usage(issues []string) {
	fmt.Println(`usage:

	ensproxy [options...]

global options:

	[-c]    path to config.json

signals:

	SIGHUP  re-read eth_rpc from the settings store and rebind`)

	if len(issues) > 0 {
		fmt.Printf("errors:\n\n")
		for _, issue := range issues {
			fmt.Println("\t" + issue)
		}
	}
}
