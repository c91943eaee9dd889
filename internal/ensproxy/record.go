package ensproxy

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// ProtocolKind identifies how the payload of a Record should be interpreted.
type ProtocolKind string

const (
	// KindIPFS is a content-addressed CID.
	KindIPFS ProtocolKind = "ipfs"

	// KindIPNS is a mutable pointer which must be dereferenced to a CID.
	KindIPNS ProtocolKind = "ipns"
)

// Supported reports whether the engine knows how to resolve the kind.
func (k ProtocolKind) Supported() bool {
	return k == KindIPFS || k == KindIPNS
}

// Record is the contenthash of a name: a protocol kind and an opaque payload.
// Payload is only meaningful once Kind is known.
type Record struct {
	Kind    ProtocolKind `json:"kind"`
	Payload string       `json:"payload"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s://%s", r.Kind, r.Payload)
}

// Locator builds the fully qualified content locator for path. The path is
// appended verbatim, including any query string.
func (r Record) Locator(path string) string {
	return fmt.Sprintf("%s://%s%s", r.Kind, r.Payload, path)
}

// NameResolver returns the contenthash record of a name, e.g. an ENS name.
type NameResolver interface {
	ContentHash(ctx context.Context, name string) (Record, error)
}

// NameResolverFactory builds a NameResolver bound to an RPC endpoint. An empty
// rpcURL selects the client default.
type NameResolverFactory func(rpcURL string) (NameResolver, error)

// PointerResolver dereferences a mutable pointer to the CID it currently
// points at.
type PointerResolver interface {
	Resolve(ctx context.Context, name PointerName) (cid.Cid, error)
}

// CanonicalCID returns the single canonical string form of c used in
// locators: CIDv1 in its default base32 encoding.
func CanonicalCID(c cid.Cid) string {
	return cid.NewCidV1(c.Type(), c.Hash()).String()
}
