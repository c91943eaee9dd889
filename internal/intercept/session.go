package intercept

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rs/xid"
	"github.com/sasha-s/go-deadlock"
)

// Filter is a suspended response body supplied by the host. A session calls
// Write at most once and Close exactly once.
type Filter interface {
	Write(p []byte) error
	Close() error
}

// HeaderSetter is implemented by filters which can carry the substituted
// response's headers, such as its Content-Type.
type HeaderSetter interface {
	SetHeader(http.Header)
}

type State int

const (
	StateIntercepted State = iota
	StateResolving
	StateSubstituting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIntercepted:
		return "intercepted"
	case StateResolving:
		return "resolving"
	case StateSubstituting:
		return "substituting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errClosed = errors.New("session closed")

// Session owns the response filter of one intercepted request. It moves
// Intercepted → Resolving → Substituting|Failed → Closed and closes its filter
// exactly once.
type Session struct {
	ID     xid.ID
	Target Target

	log    *slog.Logger
	filter Filter

	// start launches resolution; it's set by the Interceptor.
	start     func(*Session)
	startOnce sync.Once

	mu    deadlock.Mutex
	state State
	err   error

	// discarded counts bytes of the original response which were dropped.
	discarded int64

	done chan struct{}
}

func newSession(
	log *slog.Logger,
	target Target,
	filter Filter,
	start func(*Session),
) *Session {
	id := xid.New()
	return &Session{
		ID:     id,
		Target: target,
		log: log.With(
			slog.String("session", id.String()),
			slog.String("target", target.String())),
		filter: filter,
		start:  start,
		done:   make(chan struct{}),
	}
}

// Start begins resolution in the background and returns immediately. Calls
// after the first are ignored.
func (s *Session) Start() {
	s.startOnce.Do(func() { s.start(s) })
}

// OnData receives a chunk of the original response and drops it.
func (s *Session) OnData(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discarded += int64(len(p))
}

// Discarded reports how many bytes of the original response were dropped.
func (s *Session) Discarded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.discarded
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure which closed the session, or nil if the response was
// substituted. It is only meaningful after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Session) resolving() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIntercepted {
		return fmt.Errorf("resolve from %s: %w", s.state, errClosed)
	}
	s.state = StateResolving
	return nil
}

// substitute writes payload into the filter and closes it.
func (s *Session) substitute(header http.Header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateResolving {
		return fmt.Errorf("substitute from %s: %w", s.state, errClosed)
	}
	s.state = StateSubstituting
	if hs, ok := s.filter.(HeaderSetter); ok && header != nil {
		hs.SetHeader(header)
	}
	var werr error
	if err := s.filter.Write(payload); err != nil {
		werr = fmt.Errorf("write: %w", err)
	}
	s.closeLocked(werr)
	return werr
}

// fail closes the filter after writing diag, which may be empty.
func (s *Session) fail(cause error, diag []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.state = StateFailed
	if len(diag) > 0 {
		if hs, ok := s.filter.(HeaderSetter); ok {
			hs.SetHeader(http.Header{
				"Content-Type": {"text/plain; charset=utf-8"},
			})
		}
		if err := s.filter.Write(diag); err != nil {
			s.log.Error("failed to write diagnostic",
				slog.String("error", err.Error()))
		}
	}
	s.closeLocked(cause)
}

// closeLocked moves to StateClosed and closes the filter. It must only be
// called once with s.mu held.
func (s *Session) closeLocked(cause error) {
	s.state = StateClosed
	s.err = cause
	if err := s.filter.Close(); err != nil {
		s.log.Error("failed to close filter",
			slog.String("error", err.Error()))
	}
	close(s.done)
}
