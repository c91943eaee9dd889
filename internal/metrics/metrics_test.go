package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.CacheLookup("records", true)
	m.CacheLookup("records", false)
	m.CacheLookup("records", false)
	m.ObserveResolve("ok", 20*time.Millisecond)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionClosed("ok")
	m.Rebound()

	type testcase struct {
		have float64
		want float64
	}
	tcs := map[string]testcase{
		"hits": {
			have: testutil.ToFloat64(
				m.CacheLookups.WithLabelValues("records", "hit")),
			want: 1,
		},
		"misses": {
			have: testutil.ToFloat64(
				m.CacheLookups.WithLabelValues("records", "miss")),
			want: 2,
		},
		"active": {
			have: testutil.ToFloat64(m.SessionsActive),
			want: 1,
		},
		"closed": {
			have: testutil.ToFloat64(
				m.SessionsTotal.WithLabelValues("ok")),
			want: 1,
		},
		"rebinds": {
			have: testutil.ToFloat64(m.Rebinds),
			want: 1,
		},
	}
	for name, tc := range tcs {
		if tc.have != tc.want {
			t.Fatalf("%s: have %v, want %v", name, tc.have, tc.want)
		}
	}

	n, err := testutil.GatherAndCount(m.reg,
		"ensproxy_resolve_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("have %d, want 1", n)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Rebound()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	rsp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rsp.Body.Close() }()

	if rsp.StatusCode != http.StatusOK {
		t.Fatalf("have %d, want %d", rsp.StatusCode, http.StatusOK)
	}
	byt, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(byt), "ensproxy_rpc_rebinds_total 1") {
		t.Fatalf("missing rebinds in %s", byt)
	}
}
