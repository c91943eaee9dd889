package ensproxy

import (
	"errors"
	"fmt"
)

type _error string

const (
	// Missing is returned by stores and resolvers when a key has no value.
	Missing _error = "missing"

	ErrNameResolution     _error = "name resolution failed"
	ErrPointerDereference _error = "pointer dereference failed"
	ErrNestedPointer      _error = "pointer resolved to another pointer"
	ErrFetch              _error = "fetch failed"
	ErrBodyTooLarge       _error = "body too large"
)

func (e _error) Error() string {
	return string(e)
}

// UnsupportedProtocolError is returned when a name resolves to a protocol
// other than ipfs or ipns.
type UnsupportedProtocolError struct {
	Kind ProtocolKind
}

func (e UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported protocol type: %s", e.Kind)
}

// FetchStatusError is returned when the content fetch completes with any
// status other than 200.
type FetchStatusError struct {
	Locator string
	Status  int
}

func (e FetchStatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status, want 200: %d",
		e.Locator, e.Status)
}

// IsUnsupported reports whether err is an UnsupportedProtocolError and returns
// the unsupported kind.
func IsUnsupported(err error) (ProtocolKind, bool) {
	var upe UnsupportedProtocolError
	if errors.As(err, &upe) {
		return upe.Kind, true
	}
	return "", false
}
