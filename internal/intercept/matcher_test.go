package intercept

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	m, err := NewMatcher(MatchConfig{
		Suffixes: []string{"eth.limo"},
		Strip:    ".limo",
	})
	if err != nil {
		t.Fatal(err)
	}

	type testcase struct {
		url       string
		dest      string
		wantMatch bool
		want      Target
	}
	tcs := map[string]testcase{
		"root": {
			url:       "https://vitalik.eth.limo/",
			dest:      "document",
			wantMatch: true,
			want:      Target{Domain: "vitalik.eth", Path: "/"},
		},
		"no path": {
			url:       "https://vitalik.eth.limo",
			wantMatch: true,
			want:      Target{Domain: "vitalik.eth", Path: "/"},
		},
		"path and query": {
			url:       "https://app.uniswap.eth.limo/a/b.js?v=1&x=%20",
			dest:      "script",
			wantMatch: true,
			want: Target{
				Domain: "app.uniswap.eth",
				Path:   "/a/b.js?v=1&x=%20",
			},
		},
		"upper case and port": {
			url:       "http://Alice.ETH.limo:8080/index.html",
			wantMatch: true,
			want:      Target{Domain: "alice.eth", Path: "/index.html"},
		},
		"gateway itself": {
			url: "https://eth.limo/",
		},
		"other host": {
			url: "https://example.com/",
		},
		"suffix inside label": {
			url: "https://notreallyeth.limo/",
		},
		"font is not intercepted": {
			url:  "https://vitalik.eth.limo/a.woff2",
			dest: "font",
		},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.dest != "" {
				r.Header.Set("Sec-Fetch-Dest", tc.dest)
			}
			have, ok := m.Match(r)
			if ok != tc.wantMatch {
				t.Fatalf("have match %t, want %t", ok, tc.wantMatch)
			}
			if have != tc.want {
				t.Fatalf("have %+v, want %+v", have, tc.want)
			}
		})
	}
}

func TestNewMatcherInvalid(t *testing.T) {
	t.Parallel()

	tcs := map[string]MatchConfig{
		"no suffixes":   {},
		"empty suffix":  {Suffixes: []string{" "}},
		"strip mismatch": {Suffixes: []string{".eth.link"}, Strip: ".limo"},
	}
	for name, conf := range tcs {
		conf := conf
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := NewMatcher(conf); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	type testcase struct {
		dest    string
		upgrade string
		want    ResourceType
	}
	tcs := []testcase{
		{dest: "document", want: MainFrame},
		{dest: "iframe", want: SubFrame},
		{dest: "style", want: Stylesheet},
		{dest: "script", want: Script},
		{dest: "worker", want: Script},
		{dest: "image", want: Image},
		{dest: "video", want: Media},
		{dest: "font", want: Font},
		{dest: "empty", want: XMLHTTPRequest},
		{dest: "empty", upgrade: "websocket", want: WebSocket},
		{dest: "", want: Other},
		{dest: "manifest", want: Other},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.dest+tc.upgrade, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "http://x.eth.limo/", nil)
			r.Header.Set("Sec-Fetch-Dest", tc.dest)
			if tc.upgrade != "" {
				r.Header.Set("Upgrade", tc.upgrade)
			}
			if have := Classify(r); have != tc.want {
				t.Fatalf("have %s, want %s", have, tc.want)
			}
		})
	}
}
