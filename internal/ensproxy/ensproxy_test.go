package ensproxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testHash(t testing.TB, s string) multihash.Multihash {
	t.Helper()
	mh, err := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return mh
}

// testCID returns a deterministic CIDv1 for s.
func testCID(t testing.TB, s string) cid.Cid {
	t.Helper()
	return cid.NewCidV1(cid.DagProtobuf, testHash(t, s))
}

// testPointer returns a deterministic IPNS name for s.
func testPointer(t testing.TB, s string) PointerName {
	t.Helper()
	return PointerName{hash: testHash(t, s)}
}

type fakeNames struct {
	mu      sync.Mutex
	records map[string]Record
	errs    map[string]error
	calls   map[string]int
	delay   time.Duration
}

func newFakeNames(records map[string]Record) *fakeNames {
	return &fakeNames{
		records: records,
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeNames) ContentHash(
	ctx context.Context,
	name string,
) (Record, error) {
	f.mu.Lock()
	f.calls[name]++
	rec, ok := f.records[name]
	err := f.errs[name]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, Missing
	}
	return rec, nil
}

func (f *fakeNames) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[name]
}

type fakePointers struct {
	mu      sync.Mutex
	targets map[string]cid.Cid
	calls   map[string]int
}

func newFakePointers(targets map[string]cid.Cid) *fakePointers {
	return &fakePointers{targets: targets, calls: map[string]int{}}
}

func (f *fakePointers) Resolve(
	ctx context.Context,
	name PointerName,
) (cid.Cid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[name.String()]++
	c, ok := f.targets[name.String()]
	if !ok {
		return cid.Undef, Missing
	}
	return c, nil
}

func (f *fakePointers) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[name]
}

type fakeFetcher struct {
	mu       sync.Mutex
	status   int
	body     []byte
	header   http.Header
	locators []string
}

func (f *fakeFetcher) Fetch(
	ctx context.Context,
	locator string,
) (*FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.locators = append(f.locators, locator)
	return &FetchResponse{
		Status: f.status,
		Header: f.header,
		Body:   io.NopCloser(bytes.NewReader(f.body)),
	}, nil
}

func (f *fakeFetcher) Locators() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string{}, f.locators...)
}

func newTestEngine(pointers PointerResolver, fetcher Fetcher) *Engine {
	return NewEngine(EngineOpts{
		Log:      testLog(),
		Pointers: pointers,
		Fetcher:  fetcher,
	})
}
