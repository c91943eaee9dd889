package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

func testCID(t testing.TB) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte("site"), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.DagProtobuf, mh)
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestURL(t *testing.T) {
	t.Parallel()

	id := testCID(t).String()
	g, err := New("https://dweb.link/", http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	type testcase struct {
		locator string
		want    string
		wantErr bool
	}
	tcs := map[string]testcase{
		"root": {
			locator: "ipfs://" + id + "/",
			want:    "https://dweb.link/ipfs/" + id + "/",
		},
		"bare": {
			locator: "ipfs://" + id,
			want:    "https://dweb.link/ipfs/" + id + "/",
		},
		"path": {
			locator: "ipfs://" + id + "/a/b.html",
			want:    "https://dweb.link/ipfs/" + id + "/a/b.html",
		},
		"query": {
			locator: "ipfs://" + id + "?x=1",
			want:    "https://dweb.link/ipfs/" + id + "/?x=1",
		},
		"ipns": {
			locator: "ipns://k51/",
			wantErr: true,
		},
		"bad cid": {
			locator: "ipfs://nope/",
			wantErr: true,
		},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			have, err := g.URL(tc.locator)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if have != tc.want {
				t.Fatalf("have %s, want %s", have, tc.want)
			}
		})
	}
}

func newGatewayStub(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

func TestMultiFetch(t *testing.T) {
	t.Parallel()

	locator := "ipfs://" + testCID(t).String() + "/index.html"
	down := newGatewayStub(t, http.StatusBadGateway, "down")
	t.Cleanup(down.Close)
	missing := newGatewayStub(t, http.StatusNotFound, "missing")
	t.Cleanup(missing.Close)
	up := newGatewayStub(t, http.StatusOK, "<html>hi</html>")
	t.Cleanup(up.Close)

	type testcase struct {
		endpoints  []string
		wantStatus int
		wantBody   string
	}
	tcs := map[string]testcase{
		"first ok": {
			endpoints:  []string{up.URL, down.URL},
			wantStatus: http.StatusOK,
			wantBody:   "<html>hi</html>",
		},
		"fallback": {
			endpoints:  []string{down.URL, missing.URL, up.URL},
			wantStatus: http.StatusOK,
			wantBody:   "<html>hi</html>",
		},
		"last response": {
			endpoints:  []string{down.URL, missing.URL},
			wantStatus: http.StatusNotFound,
			wantBody:   "missing",
		},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m, err := NewMulti(testLog(), tc.endpoints, http.DefaultClient)
			if err != nil {
				t.Fatal(err)
			}
			rsp, err := m.Fetch(context.Background(), locator)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = rsp.Close() }()

			if rsp.Status != tc.wantStatus {
				t.Fatalf("have %d, want %d", rsp.Status, tc.wantStatus)
			}
			body, err := rsp.ReadAll(0)
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != tc.wantBody {
				t.Fatalf("have %q, want %q", body, tc.wantBody)
			}
		})
	}
}

func TestMultiAllFailed(t *testing.T) {
	t.Parallel()

	errDown := errors.New("down")
	failing := ensproxy.FetcherFunc(func(
		ctx context.Context,
		locator string,
	) (*ensproxy.FetchResponse, error) {
		return nil, errDown
	})
	m := Multi{Fetchers: []ensproxy.Fetcher{failing, failing}}
	_, err := m.Fetch(context.Background(), "ipfs://x/")
	if !errors.Is(err, errDown) {
		t.Fatalf("have %v, want %v", err, errDown)
	}

	if _, err = (Multi{}).Fetch(context.Background(), "ipfs://x/"); err == nil {
		t.Fatal("expected error")
	}
}
