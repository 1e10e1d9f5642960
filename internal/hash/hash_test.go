package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBytesAndFileAgree(t *testing.T) {
	data := []byte("hello world")
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	b, err := Bytes(SHA256, data)
	if err != nil {
		t.Fatal(err)
	}
	f, err := File(SHA256, path)
	if err != nil {
		t.Fatal(err)
	}
	if b != f {
		t.Fatalf("Bytes=%s File=%s, expected equal", b, f)
	}
}

func TestUnknownAlgorithmIsHardError(t *testing.T) {
	if _, err := Bytes("md5", []byte("x")); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestMerkleRootAndProofRoundTrip(t *testing.T) {
	leaves := []string{}
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		h, _ := Bytes(SHA256, []byte(s))
		leaves = append(leaves, h)
	}
	root := MerkleRoot(leaves)
	if root == "" {
		t.Fatal("expected non-empty root")
	}
	for i, leaf := range leaves {
		proof, gotRoot, err := MerkleProof(leaves, i)
		if err != nil {
			t.Fatal(err)
		}
		if gotRoot != root {
			t.Fatalf("proof root %s != tree root %s", gotRoot, root)
		}
		if !VerifyProof(leaf, proof, root) {
			t.Fatalf("leaf %d failed to verify against root", i)
		}
	}
}

func TestMerkleProofRejectsNonMember(t *testing.T) {
	leaves := []string{}
	for _, s := range []string{"a", "b", "c"} {
		h, _ := Bytes(SHA256, []byte(s))
		leaves = append(leaves, h)
	}
	root := MerkleRoot(leaves)
	proof, _, _ := MerkleProof(leaves, 0)
	other, _ := Bytes(SHA256, []byte("not-in-set"))
	if VerifyProof(other, proof, root) {
		t.Fatal("expected verification to fail for a leaf not in the batch")
	}
}

func TestEqualHex(t *testing.T) {
	if !EqualHex("abc123", "abc123") {
		t.Fatal("expected equal")
	}
	if EqualHex("abc123", "abc124") {
		t.Fatal("expected not equal")
	}
}
