package intercept

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// ResourceType is the category of a request, derived from what the client
// intends to do with the response.
type ResourceType string

const (
	MainFrame      ResourceType = "main_frame"
	SubFrame       ResourceType = "sub_frame"
	Stylesheet     ResourceType = "stylesheet"
	Script         ResourceType = "script"
	Image          ResourceType = "image"
	XMLHTTPRequest ResourceType = "xmlhttprequest"
	Media          ResourceType = "media"
	Font           ResourceType = "font"
	WebSocket      ResourceType = "websocket"
	Other          ResourceType = "other"
)

// DefaultTypes are intercepted when a MatchConfig lists none.
var DefaultTypes = []ResourceType{
	MainFrame,
	SubFrame,
	Stylesheet,
	Script,
	Image,
	XMLHTTPRequest,
	Media,
	Other,
}

// Classify a request by its Sec-Fetch-Dest header. Clients which don't send
// the header are classified as Other.
func Classify(r *http.Request) ResourceType {
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "document":
		return MainFrame
	case "iframe", "frame", "embed", "object":
		return SubFrame
	case "style":
		return Stylesheet
	case "script", "worker", "sharedworker", "serviceworker",
		"audioworklet", "paintworklet":
		return Script
	case "image":
		return Image
	case "audio", "video", "track":
		return Media
	case "font":
		return Font
	case "empty":
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return WebSocket
		}
		return XMLHTTPRequest
	default:
		return Other
	}
}

// Target is the name and path extracted from an intercepted request.
type Target struct {
	Domain string
	Path   string
}

func (t Target) String() string {
	return t.Domain + t.Path
}

type MatchConfig struct {
	// Suffixes of hosts to intercept, e.g. ".eth.limo".
	Suffixes []string `json:"suffixes"`

	// Strip is removed from a matched host to produce the domain to
	// resolve, e.g. ".limo" turns "vitalik.eth.limo" into "vitalik.eth".
	Strip string `json:"strip"`

	// Types of requests to intercept. Empty means DefaultTypes.
	Types []ResourceType `json:"types,omitempty"`
}

// Matcher decides which requests are intercepted.
type Matcher struct {
	suffixes []string
	strip    string
	types    map[ResourceType]struct{}
}

func NewMatcher(conf MatchConfig) (*Matcher, error) {
	if len(conf.Suffixes) == 0 {
		return nil, errors.New("suffixes must not be empty")
	}
	m := &Matcher{
		strip: strings.ToLower(conf.Strip),
		types: map[ResourceType]struct{}{},
	}
	for _, s := range conf.Suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return nil, errors.New("suffix must not be empty")
		}
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		if m.strip != "" && !strings.HasSuffix(s, m.strip) {
			return nil, fmt.Errorf("suffix %s does not end in %s",
				s, m.strip)
		}
		m.suffixes = append(m.suffixes, s)
	}
	types := conf.Types
	if len(types) == 0 {
		types = DefaultTypes
	}
	for _, typ := range types {
		m.types[typ] = struct{}{}
	}
	return m, nil
}

// Match reports whether r should be intercepted and, if so, its target.
func (m *Matcher) Match(r *http.Request) (Target, bool) {
	if _, ok := m.types[Classify(r)]; !ok {
		return Target{}, false
	}
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	return m.MatchURL(host, r.URL)
}

// MatchURL reports whether a request to host for u should be intercepted,
// ignoring its resource type.
func (m *Matcher) MatchURL(host string, u *url.URL) (Target, bool) {
	host = strings.ToLower(strings.TrimSuffix(stripPort(host), "."))
	var matched bool
	for _, s := range m.suffixes {
		// A bare suffix such as "eth.limo" is the gateway itself, not
		// a name to resolve.
		if strings.HasSuffix(host, s) && len(host) > len(s) {
			matched = true
			break
		}
	}
	if !matched {
		return Target{}, false
	}
	return Target{
		Domain: strings.TrimSuffix(host, m.strip),
		Path:   requestPath(u),
	}, true
}

func (m *Matcher) String() string {
	types := maps.Keys(m.types)
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return fmt.Sprintf("suffixes=%v strip=%s types=%v", m.suffixes,
		m.strip, types)
}

// requestPath returns the path and query exactly as requested, always with a
// leading slash.
func requestPath(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		p += "?" + u.RawQuery
	}
	return p
}

func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
