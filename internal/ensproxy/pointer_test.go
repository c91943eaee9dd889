package ensproxy

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
)

func TestParsePointerName(t *testing.T) {
	t.Parallel()

	want := testPointer(t, "pointer")
	base36, err := want.Cid().StringOfBase(multibase.Base36)
	if err != nil {
		t.Fatal(err)
	}
	tcs := map[string]string{
		"base36":       base36,
		"base32":       want.Cid().String(),
		"base58":       base58.Encode(want.Multihash()),
		"ipns prefix":  "/ipns/" + base36,
		"white space":  " " + base36 + "\n",
		"legacy multi": "/ipns/" + base58.Encode(want.Multihash()),
	}
	for name, have := range tcs {
		have := have
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			n, err := ParsePointerName(have)
			if err != nil {
				t.Fatal(err)
			}
			if n.String() != base36 {
				t.Fatalf("have %s, want %s", n, base36)
			}
		})
	}
}

func TestParsePointerNameInvalid(t *testing.T) {
	t.Parallel()

	tcs := map[string]string{
		"empty":     "",
		"prefix":    "/ipns/",
		"not a cid": "example.com",
		"dag-pb":    testCID(t, "content").String(),
		"raw":       cid.NewCidV1(cid.Raw, testHash(t, "raw")).String(),
	}
	for name, have := range tcs {
		have := have
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := ParsePointerName(have); err == nil {
				t.Fatalf("expected error for %q", have)
			}
		})
	}
}
