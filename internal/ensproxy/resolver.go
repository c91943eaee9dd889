package ensproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sourcegraph/conc/pool"
)

// Metrics observed by the Engine. Implementations must be safe for concurrent
// use.
type Metrics interface {
	CacheMetrics
	ObserveResolve(outcome string, d time.Duration)
}

// Engine resolves a domain and path to a content locator and fetches it.
//
// Resolution is a chain: the domain's contenthash record is looked up (and
// cached), ipns records are dereferenced once to an ipfs CID (and cached), and
// the locator "{kind}://{payload}{path}" is handed to the Fetcher.
type Engine struct {
	log      *slog.Logger
	records  *Cache[Record]
	pointers *Cache[string]
	resolver PointerResolver
	fetcher  Fetcher
	metrics  Metrics
}

type EngineOpts struct {
	Log          *slog.Logger
	Pointers     PointerResolver
	Fetcher      Fetcher
	RecordCache  CacheConfig
	PointerCache CacheConfig

	// Metrics is optional.
	Metrics Metrics
}

// Result of a successful resolution. Response is returned exactly as the
// Fetcher produced it; callers decide whether its status is a success and
// must close it.
type Result struct {
	Locator  string
	Record   Record
	Response *FetchResponse
}

func NewEngine(opts EngineOpts) *Engine {
	var cm CacheMetrics
	if opts.Metrics != nil {
		cm = opts.Metrics
	}
	return &Engine{
		log:      opts.Log.With(slog.String("task", "engine")),
		records:  NewCache[Record]("record", opts.RecordCache, cm),
		pointers: NewCache[string]("pointer", opts.PointerCache, cm),
		resolver: opts.Pointers,
		fetcher:  opts.Fetcher,
		metrics:  opts.Metrics,
	}
}

// Resolve the domain with names, then fetch path from the resolved content.
// names is passed explicitly so a caller holds one binding for the whole
// resolution.
func (e *Engine) Resolve(
	ctx context.Context,
	names NameResolver,
	domain, path string,
) (Result, error) {
	start := time.Now()
	res, err := e.resolve(ctx, names, domain, path)
	if e.metrics != nil {
		e.metrics.ObserveResolve(Outcome(err), time.Since(start))
	}
	return res, err
}

func (e *Engine) resolve(
	ctx context.Context,
	names NameResolver,
	domain, path string,
) (Result, error) {
	rec, err := e.Record(ctx, names, domain)
	if err != nil {
		return Result{}, err
	}
	locator := rec.Locator(path)
	e.log.Debug("fetching", slog.String("locator", locator))
	rsp, err := e.fetcher.Fetch(ctx, locator)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrFetch, locator, err)
	}
	return Result{Locator: locator, Record: rec, Response: rsp}, nil
}

// Record returns the fully dereferenced record of domain. The returned kind is
// always KindIPFS.
func (e *Engine) Record(
	ctx context.Context,
	names NameResolver,
	domain string,
) (Record, error) {
	log := e.log.With(slog.String("domain", domain))

	rec, cached, err := e.records.Load(ctx, domain,
		func(ctx context.Context) (Record, error) {
			rec, err := names.ContentHash(ctx, domain)
			if err != nil {
				return Record{}, fmt.Errorf("%w: %w",
					ErrNameResolution, err)
			}
			if !rec.Kind.Supported() {
				return Record{}, UnsupportedProtocolError{
					Kind: rec.Kind,
				}
			}
			return rec, nil
		})
	if err != nil {
		return Record{}, fmt.Errorf("resolve %s: %w", domain, err)
	}
	log.Debug("resolved name",
		slog.String("record", rec.String()),
		slog.Bool("cached", cached))

	if rec.Kind == KindIPNS {
		id, err := e.dereference(ctx, rec.Payload)
		if err != nil {
			return Record{}, fmt.Errorf("resolve %s: %w", domain,
				err)
		}
		log.Debug("resolved pointer",
			slog.String("pointer", rec.Payload),
			slog.String("cid", id))
		rec = Record{Kind: KindIPFS, Payload: id}
	}
	return rec, nil
}

// dereference an ipns pointer to the canonical CID it points at.
func (e *Engine) dereference(
	ctx context.Context,
	pointer string,
) (string, error) {
	id, _, err := e.pointers.Load(ctx, pointer,
		func(ctx context.Context) (string, error) {
			name, err := ParsePointerName(pointer)
			if err != nil {
				return "", fmt.Errorf("%w: parse %s: %w",
					ErrPointerDereference, pointer, err)
			}
			c, err := e.resolver.Resolve(ctx, name)
			if err != nil {
				return "", fmt.Errorf("%w: %w",
					ErrPointerDereference, err)
			}
			if c.Type() == cid.Libp2pKey {
				return "", fmt.Errorf("%w: %w: %s",
					ErrPointerDereference, ErrNestedPointer, c)
			}
			return CanonicalCID(c), nil
		})
	if err != nil {
		return "", fmt.Errorf("dereference: %w", err)
	}
	return id, nil
}

// Prewarm resolves the records of domains concurrently so later requests hit
// the cache. Each failure is logged and the joined errors are returned.
func (e *Engine) Prewarm(
	ctx context.Context,
	names NameResolver,
	domains []string,
	concurrency int,
) error {
	if concurrency < 1 {
		concurrency = 1
	}
	p := pool.New().WithMaxGoroutines(concurrency).WithErrors()
	for _, domain := range domains {
		domain := domain
		p.Go(func() error {
			if _, err := e.Record(ctx, names, domain); err != nil {
				e.log.Info("prewarm failed",
					slog.String("domain", domain),
					slog.String("error", err.Error()))
				return err
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

// Outcome classifies err for metrics labels.
func Outcome(err error) string {
	var fse FetchStatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNameResolution):
		return "name_resolution_failed"
	case errors.Is(err, ErrPointerDereference):
		return "pointer_dereference_failed"
	case errors.As(err, &fse):
		return "fetch_status"
	case errors.Is(err, ErrFetch):
		return "fetch_failed"
	}
	if _, ok := IsUnsupported(err); ok {
		return "unsupported_protocol"
	}
	return "error"
}
