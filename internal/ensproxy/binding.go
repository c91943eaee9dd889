package ensproxy

import (
	"fmt"
	"log/slog"

	"github.com/sasha-s/go-deadlock"
)

// Binding is a name resolver bound to a single RPC endpoint. Bindings are
// immutable; rebinding replaces the whole value.
type Binding struct {
	// RPC is the endpoint the resolver talks to. Empty means the client
	// default.
	RPC   string
	Names NameResolver
}

// Bindings holds the current Binding. Sessions call Current once when they
// start and use that value for every resolution step, so a concurrent Set
// never changes the resolver underneath an in-flight session.
type Bindings struct {
	log     *slog.Logger
	factory NameResolverFactory

	mu      deadlock.RWMutex
	current *Binding
}

// NewBindings binds the initial rpcURL with factory.
func NewBindings(
	log *slog.Logger,
	factory NameResolverFactory,
	rpcURL string,
) (*Bindings, error) {
	b := &Bindings{
		log:     log.With(slog.String("task", "bindings")),
		factory: factory,
	}
	if err := b.Set(rpcURL); err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	return b, nil
}

// Current returns the active binding.
func (b *Bindings) Current() *Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.current
}

// Set rebinds the name resolver to rpcURL. Sessions already running keep the
// binding they started with.
func (b *Bindings) Set(rpcURL string) error {
	names, err := b.factory(rpcURL)
	if err != nil {
		return fmt.Errorf("new name resolver: %w", err)
	}
	next := &Binding{RPC: rpcURL, Names: names}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = next
	if rpcURL == "" {
		b.log.Info("eth rpc set to client default")
	} else {
		b.log.Info("eth rpc set", slog.String("rpc", rpcURL))
	}
	return nil
}
