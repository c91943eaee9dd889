package ens

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

// Multicodec namespaces used as contenthash prefixes (EIP-1577).
const (
	codecIPFS    = 0xe3
	codecSwarm   = 0xe4
	codecIPNS    = 0xe5
	codecOnion   = 0x01bc
	codecOnion3  = 0x01bd
	codecSkynet  = 0xb19910
	codecArweave = 0xb29910
)

// ErrNoContentHash is returned for names without a contenthash record.
var ErrNoContentHash = errors.New("no contenthash record")

// DecodeContentHash parses a raw contenthash into a record. Namespaces other
// than ipfs and ipns decode to their protocol name so callers can report them.
func DecodeContentHash(byt []byte) (ensproxy.Record, error) {
	if len(byt) == 0 {
		return ensproxy.Record{}, ErrNoContentHash
	}
	code, n, err := varint.FromUvarint(byt)
	if err != nil {
		return ensproxy.Record{}, fmt.Errorf("read codec: %w", err)
	}
	value := byt[n:]

	switch code {
	case codecIPFS:
		c, err := cid.Cast(value)
		if err != nil {
			return ensproxy.Record{}, fmt.Errorf("cast ipfs cid: %w", err)
		}
		return ensproxy.Record{
			Kind:    ensproxy.KindIPFS,
			Payload: ensproxy.CanonicalCID(c),
		}, nil
	case codecIPNS:
		c, err := cid.Cast(value)
		if err != nil {
			return ensproxy.Record{}, fmt.Errorf("cast ipns cid: %w", err)
		}
		payload, err := ipnsPayload(c)
		if err != nil {
			return ensproxy.Record{}, fmt.Errorf("ipns payload: %w", err)
		}
		return ensproxy.Record{
			Kind:    ensproxy.KindIPNS,
			Payload: payload,
		}, nil
	case codecSwarm:
		c, err := cid.Cast(value)
		if err != nil {
			return ensproxy.Record{}, fmt.Errorf("cast swarm cid: %w", err)
		}
		dmh, err := multihash.Decode(c.Hash())
		if err != nil {
			return ensproxy.Record{}, fmt.Errorf("decode swarm hash: %w", err)
		}
		return ensproxy.Record{
			Kind:    "swarm",
			Payload: hex.EncodeToString(dmh.Digest),
		}, nil
	case codecOnion:
		return ensproxy.Record{Kind: "onion", Payload: string(value)}, nil
	case codecOnion3:
		return ensproxy.Record{Kind: "onion3", Payload: string(value)}, nil
	case codecSkynet:
		return ensproxy.Record{
			Kind:    "skynet",
			Payload: base64.RawURLEncoding.EncodeToString(value),
		}, nil
	case codecArweave:
		return ensproxy.Record{
			Kind:    "arweave",
			Payload: base64.RawURLEncoding.EncodeToString(value),
		}, nil
	default:
		return ensproxy.Record{
			Kind:    ensproxy.ProtocolKind(fmt.Sprintf("0x%x", code)),
			Payload: hex.EncodeToString(value),
		}, nil
	}
}

// ipnsPayload renders an ipns contenthash the way gateways expect it: a
// base36 libp2p-key CID. Legacy records which inline a DNSLink name as an
// identity multihash return that name.
func ipnsPayload(c cid.Cid) (string, error) {
	dmh, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("decode multihash: %w", err)
	}
	if dmh.Code == multihash.IDENTITY && c.Type() != cid.Libp2pKey {
		return string(dmh.Digest), nil
	}
	s, err := cid.NewCidV1(cid.Libp2pKey, c.Hash()).StringOfBase(
		multibase.Base36)
	if err != nil {
		return "", fmt.Errorf("string of base: %w", err)
	}
	return s, nil
}
