package types

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAttrRoundTrip(t *testing.T) {
	raw := `{"contexts":{"chat":3,"search":1},"nested":{"list":[1,"two",true],"null":null}}`

	var a Attr
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if a.Kind != AttrMap {
		t.Fatalf("expected map kind, got %d", a.Kind)
	}

	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var want, got any
	json.Unmarshal([]byte(raw), &want)
	json.Unmarshal(out, &got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCanonicalIsKeyOrderIndependent(t *testing.T) {
	a := MapAttr(map[string]Attr{
		"b": Number(2),
		"a": Number(1),
	})
	b := MapAttr(map[string]Attr{
		"a": Number(1),
		"b": Number(2),
	})

	if a.Canonical() != b.Canonical() {
		t.Errorf("canonical forms differ: %q vs %q", a.Canonical(), b.Canonical())
	}
	if a.Canonical() != `{"a":1,"b":2}` {
		t.Errorf("unexpected canonical form: %q", a.Canonical())
	}
}

func TestContextCounts(t *testing.T) {
	good := MapAttr(map[string]Attr{"chat": Number(3), "search": Number(0)})
	counts, err := ContextCounts(good)
	if err != nil {
		t.Fatalf("ContextCounts failed: %v", err)
	}
	if counts["chat"] != 3 || counts["search"] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}

	// Null bag is an empty mapping, not an error.
	counts, err = ContextCounts(NullAttr())
	if err != nil || len(counts) != 0 {
		t.Errorf("null bag should yield empty counts, got %v, %v", counts, err)
	}

	// Negative and fractional counts are shape violations.
	for name, bad := range map[string]Attr{
		"negative":   MapAttr(map[string]Attr{"chat": Number(-1)}),
		"fractional": MapAttr(map[string]Attr{"chat": Number(1.5)}),
		"nonnumber":  MapAttr(map[string]Attr{"chat": String("x")}),
		"nonmap":     ListAttr(Number(1)),
	} {
		if _, err := ContextCounts(bad); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidRelationshipType(t *testing.T) {
	if !ValidRelationshipType(RelFollows) {
		t.Error("follows should be valid")
	}
	if ValidRelationshipType("made_up") {
		t.Error("made_up should be invalid")
	}
}
