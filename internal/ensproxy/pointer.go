package ensproxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// PointerName is a parsed IPNS name: the multihash of the public key which
// signs the pointer's records.
type PointerName struct {
	hash multihash.Multihash
}

// ParsePointerName accepts the textual forms of an IPNS name: a base58btc
// multihash ("12D3KooW...", "Qm...") or a CIDv1 with the libp2p-key codec
// ("k51qzi5uqu5...", "bafzaa..."). A leading "/ipns/" is ignored.
func ParsePointerName(s string) (PointerName, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/ipns/")
	if s == "" {
		return PointerName{}, errors.New("empty name")
	}

	// Bare base58btc multihashes are the legacy peer id encoding.
	if s[0] == '1' || strings.HasPrefix(s, "Qm") {
		byt, err := base58.Decode(s)
		if err != nil {
			return PointerName{}, fmt.Errorf("decode base58: %w", err)
		}
		mh, err := multihash.Cast(byt)
		if err != nil {
			return PointerName{}, fmt.Errorf("cast multihash: %w", err)
		}
		return PointerName{hash: mh}, nil
	}

	c, err := cid.Decode(s)
	if err != nil {
		return PointerName{}, fmt.Errorf("decode cid: %w", err)
	}
	if c.Type() != cid.Libp2pKey {
		return PointerName{}, fmt.Errorf("unexpected codec: %d", c.Type())
	}
	return PointerName{hash: c.Hash()}, nil
}

// Multihash of the public key.
func (n PointerName) Multihash() multihash.Multihash {
	return n.hash
}

// Cid returns the name as a CIDv1 with the libp2p-key codec.
func (n PointerName) Cid() cid.Cid {
	return cid.NewCidV1(cid.Libp2pKey, n.hash)
}

// String renders the name in base36, the form used in subdomains and by
// routing APIs.
func (n PointerName) String() string {
	if len(n.hash) == 0 {
		return ""
	}
	s, err := n.Cid().StringOfBase(multibase.Base36)
	if err != nil {
		// Base36 is always a valid encoding for a CID.
		return n.Cid().String()
	}
	return s
}
