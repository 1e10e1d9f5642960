package canon

import "testing"

func TestCanonicalizeSortsKeysV2(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	out, err := Canonicalize(a, V2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"a":2,"b":1}` {
		t.Fatalf("got %s", out)
	}
}

func TestCanonicalizeEqualTreesProduceIdenticalBytes(t *testing.T) {
	r1 := map[string]interface{}{
		"x": []interface{}{1, 2, 3},
		"y": map[string]interface{}{"nested": "value"},
	}
	r2 := map[string]interface{}{
		"y": map[string]interface{}{"nested": "value"},
		"x": []interface{}{1, 2, 3},
	}
	c1, err := Canonicalize(r1, V2)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Canonicalize(r2, V2)
	if err != nil {
		t.Fatal(err)
	}
	if string(c1) != string(c2) {
		t.Fatalf("canonical forms differ: %s vs %s", c1, c2)
	}
}

func TestCanonicalizeRejectsFloat(t *testing.T) {
	if _, err := Canonicalize(map[string]interface{}{"v": 1.5}, V2); err == nil {
		t.Fatal("expected error for non-integer float")
	}
}

func TestCanonicalizeRejectsNaN(t *testing.T) {
	nan := 0.0
	nan = nan / nan
	if _, err := Canonicalize(map[string]interface{}{"v": nan}, V2); err == nil {
		t.Fatal("expected error for NaN")
	}
}

func TestSigningProjectionStripsSignature(t *testing.T) {
	m := map[string]interface{}{"a": 1, "signature": "xyz"}
	proj := SigningProjection(m)
	if _, ok := proj["signature"]; ok {
		t.Fatal("signature field should be removed")
	}
	if proj["a"] != 1 {
		t.Fatal("other fields should be preserved")
	}
}

func TestV1StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"z": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "z": 1}
	ca, _ := Canonicalize(a, V1)
	cb, _ := Canonicalize(b, V1)
	if string(ca) != string(cb) {
		t.Fatalf("v1 canonical forms differ: %s vs %s", ca, cb)
	}
}
