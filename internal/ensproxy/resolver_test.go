package ensproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ipfs/go-cid"
)

func TestResolveIPFS(t *testing.T) {
	t.Parallel()

	id := testCID(t, "alice")
	names := newFakeNames(map[string]Record{
		"alice.eth": {Kind: KindIPFS, Payload: id.String()},
	})
	fetcher := &fakeFetcher{
		status: http.StatusOK,
		body:   []byte("<html>hi</html>"),
	}
	e := newTestEngine(newFakePointers(nil), fetcher)
	ctx := context.Background()

	res, err := e.Resolve(ctx, names, "alice.eth", "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = res.Response.Close() }()

	wantLocator := "ipfs://" + id.String() + "/index.html"
	if res.Locator != wantLocator {
		t.Fatalf("have %s, want %s", res.Locator, wantLocator)
	}
	body, err := res.Response.ReadAll(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<html>hi</html>" {
		t.Fatalf("have %q, want %q", body, "<html>hi</html>")
	}

	// A second request for the same domain is served from the cache and
	// produces the same locator.
	res2, err := e.Resolve(ctx, names, "alice.eth", "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = res2.Response.Close() }()
	if res2.Locator != res.Locator {
		t.Fatalf("have %s, want %s", res2.Locator, res.Locator)
	}
	if n := names.Calls("alice.eth"); n != 1 {
		t.Fatalf("have %d name resolutions, want 1", n)
	}
	want := []string{wantLocator, wantLocator}
	if diff := cmp.Diff(want, fetcher.Locators()); diff != "" {
		t.Fatalf("locators (-want +have):\n%s", diff)
	}
}

func TestResolveIPNS(t *testing.T) {
	t.Parallel()

	pointer := testPointer(t, "bob")
	target := testCID(t, "bob content")
	names := newFakeNames(map[string]Record{
		"bob.eth":   {Kind: KindIPNS, Payload: pointer.String()},
		"bobby.eth": {Kind: KindIPNS, Payload: pointer.String()},
	})
	pointers := newFakePointers(map[string]cid.Cid{
		pointer.String(): target,
	})
	fetcher := &fakeFetcher{status: http.StatusOK}
	e := newTestEngine(pointers, fetcher)
	ctx := context.Background()

	for _, domain := range []string{"bob.eth", "bob.eth", "bobby.eth"} {
		res, err := e.Resolve(ctx, names, domain, "/")
		if err != nil {
			t.Fatal(err)
		}
		_ = res.Response.Close()

		want := "ipfs://" + target.String() + "/"
		if res.Locator != want {
			t.Fatalf("have %s, want %s", res.Locator, want)
		}
		if res.Record.Kind != KindIPFS {
			t.Fatalf("have %s, want %s", res.Record.Kind, KindIPFS)
		}
	}
	if n := pointers.Calls(pointer.String()); n != 1 {
		t.Fatalf("have %d pointer resolutions, want 1", n)
	}
	if n := names.Calls("bob.eth"); n != 1 {
		t.Fatalf("have %d name resolutions, want 1", n)
	}
}

func TestResolveUnsupported(t *testing.T) {
	t.Parallel()

	names := newFakeNames(map[string]Record{
		"carol.eth": {Kind: "onion", Payload: "zqktlwiuavvvqqt4ybvgvi7tyo4hjl5xgfuvpdf6otjiycgwqbym2qad"},
	})
	fetcher := &fakeFetcher{status: http.StatusOK}
	e := newTestEngine(newFakePointers(nil), fetcher)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Resolve(ctx, names, "carol.eth", "/")
		kind, ok := IsUnsupported(err)
		if !ok {
			t.Fatalf("have %v, want unsupported protocol", err)
		}
		if kind != "onion" {
			t.Fatalf("have %s, want onion", kind)
		}
	}
	if n := len(fetcher.Locators()); n != 0 {
		t.Fatalf("have %d fetches, want 0", n)
	}

	// Failures are never cached.
	if n := names.Calls("carol.eth"); n != 2 {
		t.Fatalf("have %d name resolutions, want 2", n)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	nested := testPointer(t, "nested")
	missing := testPointer(t, "missing")
	type testcase struct {
		record   Record
		nameErr  error
		pointers map[string]cid.Cid
		want     error
	}
	tcs := map[string]testcase{
		"name resolution": {
			nameErr: errors.New("rpc down"),
			want:    ErrNameResolution,
		},
		"missing pointer": {
			record: Record{Kind: KindIPNS, Payload: missing.String()},
			want:   ErrPointerDereference,
		},
		"invalid pointer": {
			record: Record{Kind: KindIPNS, Payload: "not-a-name"},
			want:   ErrPointerDereference,
		},
		"nested pointer": {
			record: Record{Kind: KindIPNS, Payload: nested.String()},
			pointers: map[string]cid.Cid{
				nested.String(): testPointer(t, "other").Cid(),
			},
			want: ErrNestedPointer,
		},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			names := newFakeNames(map[string]Record{"x.eth": tc.record})
			if tc.nameErr != nil {
				names.errs["x.eth"] = tc.nameErr
			}
			fetcher := &fakeFetcher{status: http.StatusOK}
			e := newTestEngine(newFakePointers(tc.pointers), fetcher)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				_, err := e.Resolve(ctx, names, "x.eth", "/")
				if !errors.Is(err, tc.want) {
					t.Fatalf("have %v, want %v", err, tc.want)
				}
			}
			if n := len(fetcher.Locators()); n != 0 {
				t.Fatalf("have %d fetches, want 0", n)
			}
			if n := names.Calls("x.eth"); n != 2 && tc.nameErr != nil {
				t.Fatalf("have %d name resolutions, want 2", n)
			}
		})
	}
}

func TestResolveFetchStatus(t *testing.T) {
	t.Parallel()

	id := testCID(t, "dave")
	names := newFakeNames(map[string]Record{
		"dave.eth": {Kind: KindIPFS, Payload: id.String()},
	})
	fetcher := &fakeFetcher{
		status: http.StatusNotFound,
		body:   []byte("not found"),
	}
	e := newTestEngine(newFakePointers(nil), fetcher)

	res, err := e.Resolve(context.Background(), names, "dave.eth",
		"/missing.html")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = res.Response.Close() }()

	// The response is passed back untouched; only the caller judges it.
	if res.Response.Status != http.StatusNotFound {
		t.Fatalf("have %d, want %d", res.Response.Status,
			http.StatusNotFound)
	}
	err = CheckStatus(res.Locator, res.Response)
	var fse FetchStatusError
	if !errors.As(err, &fse) {
		t.Fatalf("have %v, want FetchStatusError", err)
	}
	if fse.Status != http.StatusNotFound {
		t.Fatalf("have %d, want %d", fse.Status, http.StatusNotFound)
	}
}

func TestResolveFetchError(t *testing.T) {
	t.Parallel()

	id := testCID(t, "erin")
	names := newFakeNames(map[string]Record{
		"erin.eth": {Kind: KindIPFS, Payload: id.String()},
	})
	fetcher := FetcherFunc(func(
		ctx context.Context,
		locator string,
	) (*FetchResponse, error) {
		return nil, io.ErrUnexpectedEOF
	})
	e := newTestEngine(newFakePointers(nil), fetcher)

	_, err := e.Resolve(context.Background(), names, "erin.eth", "/")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("have %v, want %v", err, ErrFetch)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("have %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestResolveLocator(t *testing.T) {
	t.Parallel()

	id := testCID(t, "frank")
	type testcase struct {
		path string
		want string
	}
	tcs := []testcase{{
		path: "/",
		want: "ipfs://" + id.String() + "/",
	}, {
		path: "/a/b.css",
		want: "ipfs://" + id.String() + "/a/b.css",
	}, {
		path: "/search?q=1&r=%20",
		want: "ipfs://" + id.String() + "/search?q=1&r=%20",
	}}
	for i, tc := range tcs {
		tc := tc
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			t.Parallel()

			names := newFakeNames(map[string]Record{
				"frank.eth": {Kind: KindIPFS, Payload: id.String()},
			})
			fetcher := &fakeFetcher{status: http.StatusOK}
			e := newTestEngine(newFakePointers(nil), fetcher)
			res, err := e.Resolve(context.Background(), names,
				"frank.eth", tc.path)
			if err != nil {
				t.Fatal(err)
			}
			_ = res.Response.Close()
			if res.Locator != tc.want {
				t.Fatalf("have %s, want %s", res.Locator, tc.want)
			}
		})
	}
}

func TestResolveConcurrent(t *testing.T) {
	t.Parallel()

	id := testCID(t, "grace")
	names := newFakeNames(map[string]Record{
		"grace.eth": {Kind: KindIPFS, Payload: id.String()},
	})
	names.delay = 50 * time.Millisecond
	e := newTestEngine(newFakePointers(nil),
		&fakeFetcher{status: http.StatusOK})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Resolve(context.Background(), names,
				"grace.eth", "/")
			if err != nil {
				errs <- err
				return
			}
			_ = res.Response.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if n := names.Calls("grace.eth"); n != 1 {
		t.Fatalf("have %d name resolutions, want 1", n)
	}
}

func TestPrewarm(t *testing.T) {
	t.Parallel()

	names := newFakeNames(map[string]Record{
		"a.eth": {Kind: KindIPFS, Payload: testCID(t, "a").String()},
		"b.eth": {Kind: KindIPFS, Payload: testCID(t, "b").String()},
	})
	e := newTestEngine(newFakePointers(nil),
		&fakeFetcher{status: http.StatusOK})
	ctx := context.Background()

	err := e.Prewarm(ctx, names, []string{"a.eth", "b.eth", "c.eth"}, 2)
	if !errors.Is(err, ErrNameResolution) {
		t.Fatalf("have %v, want %v", err, ErrNameResolution)
	}
	for _, domain := range []string{"a.eth", "b.eth"} {
		if _, err := e.Record(ctx, names, domain); err != nil {
			t.Fatal(err)
		}
		if n := names.Calls(domain); n != 1 {
			t.Fatalf("%s: have %d name resolutions, want 1",
				domain, n)
		}
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	type testcase struct {
		err  error
		want string
	}
	tcs := []testcase{{
		err:  nil,
		want: "ok",
	}, {
		err:  fmt.Errorf("resolve: %w", ErrNameResolution),
		want: "name_resolution_failed",
	}, {
		err:  fmt.Errorf("resolve: %w", ErrPointerDereference),
		want: "pointer_dereference_failed",
	}, {
		err:  FetchStatusError{Status: http.StatusNotFound},
		want: "fetch_status",
	}, {
		err:  fmt.Errorf("%w: eof", ErrFetch),
		want: "fetch_failed",
	}, {
		err:  fmt.Errorf("load: %w", UnsupportedProtocolError{Kind: "swarm"}),
		want: "unsupported_protocol",
	}, {
		err:  errors.New("other"),
		want: "error",
	}}
	for i, tc := range tcs {
		tc := tc
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			t.Parallel()

			if have := Outcome(tc.err); have != tc.want {
				t.Fatalf("have %s, want %s", have, tc.want)
			}
		})
	}
}
