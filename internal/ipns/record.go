package ipns

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"google.golang.org/protobuf/encoding/protowire"
)

// IpnsEntry protobuf field numbers.
const (
	fieldValue        = 1
	fieldValidityType = 3
	fieldValidity     = 4
	fieldSequence     = 5
	fieldTTL          = 6
	fieldData         = 9
)

// ErrExpired is returned for records whose validity has passed.
var ErrExpired = errors.New("record expired")

// Record is the subset of a signed IPNS record needed to dereference it.
// Signatures are not verified here. The configured router or Kubo endpoint
// is trusted.
type Record struct {
	Value    string
	Validity time.Time
	Sequence uint64
	TTL      time.Duration
}

// recordData mirrors the CBOR "data" field of V2 records, which is
// authoritative when present.
type recordData struct {
	Value        []byte `cbor:"Value"`
	Validity     []byte `cbor:"Validity"`
	ValidityType uint64 `cbor:"ValidityType"`
	Sequence     uint64 `cbor:"Sequence"`
	TTL          uint64 `cbor:"TTL"`
}

// UnmarshalRecord parses a serialized IpnsEntry.
func UnmarshalRecord(byt []byte) (Record, error) {
	var (
		rec      Record
		validity []byte
		data     []byte
	)
	for len(byt) > 0 {
		num, typ, n := protowire.ConsumeTag(byt)
		if n < 0 {
			return rec, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		byt = byt[n:]
		switch {
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(byt)
			if n < 0 {
				return rec, fmt.Errorf("value: %w", protowire.ParseError(n))
			}
			rec.Value = string(v)
			byt = byt[n:]
		case num == fieldValidity && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(byt)
			if n < 0 {
				return rec, fmt.Errorf("validity: %w", protowire.ParseError(n))
			}
			validity = v
			byt = byt[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(byt)
			if n < 0 {
				return rec, fmt.Errorf("data: %w", protowire.ParseError(n))
			}
			data = v
			byt = byt[n:]
		case (num == fieldSequence || num == fieldTTL ||
			num == fieldValidityType) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(byt)
			if n < 0 {
				return rec, fmt.Errorf("varint: %w", protowire.ParseError(n))
			}
			switch num {
			case fieldSequence:
				rec.Sequence = v
			case fieldTTL:
				rec.TTL = time.Duration(v)
			}
			byt = byt[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, byt)
			if n < 0 {
				return rec, fmt.Errorf("skip field %d: %w", num,
					protowire.ParseError(n))
			}
			byt = byt[n:]
		}
	}

	if len(data) > 0 {
		var rd recordData
		if err := cbor.Unmarshal(data, &rd); err != nil {
			return rec, fmt.Errorf("unmarshal data: %w", err)
		}
		rec.Value = string(rd.Value)
		rec.Sequence = rd.Sequence
		rec.TTL = time.Duration(rd.TTL)
		validity = rd.Validity
	}
	if rec.Value == "" {
		return rec, errors.New("empty value")
	}
	if len(validity) > 0 {
		t, err := time.Parse(time.RFC3339Nano, string(validity))
		if err != nil {
			return rec, fmt.Errorf("parse validity: %w", err)
		}
		rec.Validity = t
	}
	return rec, nil
}

// CID returns the CID the record points at, rejecting records which point at
// another IPNS name. Any path after the CID is dropped.
func (r Record) CID(now time.Time) (cid.Cid, error) {
	if !r.Validity.IsZero() && now.After(r.Validity) {
		return cid.Undef, fmt.Errorf("%w: at %s", ErrExpired,
			r.Validity.Format(time.RFC3339))
	}
	return parseValue(r.Value)
}

// parseValue extracts the CID from a value such as "/ipfs/bafy.../a/b".
func parseValue(value string) (cid.Cid, error) {
	parts := strings.Split(strings.TrimPrefix(value, "/"), "/")
	if len(parts) < 2 {
		// Very old records hold a bare CID.
		c, err := cid.Decode(value)
		if err != nil {
			return cid.Undef, fmt.Errorf("decode %q: %w", value, err)
		}
		return c, nil
	}
	switch parts[0] {
	case "ipfs":
		c, err := cid.Decode(parts[1])
		if err != nil {
			return cid.Undef, fmt.Errorf("decode %q: %w", value, err)
		}
		return c, nil
	case "ipns":
		return cid.Undef, fmt.Errorf("%w: %s", ensproxy.ErrNestedPointer,
			value)
	default:
		return cid.Undef, fmt.Errorf("unsupported value: %s", value)
	}
}
