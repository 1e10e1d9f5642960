package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/keystore"
)

func newSignedLedger(t *testing.T, path string) (*Ledger, *keystore.KeyStore, *keystore.KeypairHandle) {
	t.Helper()
	ks := keystore.New()
	h, err := ks.GenerateKeypair(keystore.Ed25519)
	if err != nil {
		t.Fatal(err)
	}
	l, err := Open(path, ks, h, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l, ks, h
}

func TestOpenCreatesGenesisLink(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := newSignedLedger(t, filepath.Join(dir, "ledger.json"))
	links := l.Links()
	if len(links) != 1 {
		t.Fatalf("expected 1 genesis link, got %d", len(links))
	}
	if links[0].Index != 0 {
		t.Fatalf("expected genesis index 0, got %d", links[0].Index)
	}
}

func TestAppendChainsAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	l, ks, h := newSignedLedger(t, path)

	link1, err := l.Append("op-1", []string{"sha256-deadbeef"})
	if err != nil {
		t.Fatal(err)
	}
	if link1.Index != 1 {
		t.Fatalf("expected index 1, got %d", link1.Index)
	}
	wantPrev, err := hash.Bytes(hash.SHA256, []byte(l.Links()[0].LinkPayloadHash))
	if err != nil {
		t.Fatal(err)
	}
	if link1.PreviousHash != wantPrev {
		t.Fatal("expected link1 previousHash to be H(genesis payload hash)")
	}

	reopened, err := Open(path, ks, h, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reopened.Links()) != 2 {
		t.Fatalf("expected 2 links after reopen, got %d", len(reopened.Links()))
	}
}

func TestAppendRejectsNonMonotonicTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	l, _, _ := newSignedLedger(t, path)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.TimeFunc = func() time.Time { return base }
	if _, err := l.Append("op-1", nil); err != nil {
		t.Fatal(err)
	}

	l.TimeFunc = func() time.Time { return base.Add(-1 * time.Hour) }
	if _, err := l.Append("op-2", nil); err == nil {
		t.Fatal("expected non-monotonic append to fail")
	}
}

func TestVerifyChainDetectsBreak(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	l, ks, h := newSignedLedger(t, path)

	if _, err := l.Append("op-1", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append("op-2", []string{"b"}); err != nil {
		t.Fatal(err)
	}

	report := l.VerifyChain(ks, keystore.Ed25519, h.PublicKey)
	if report.IntegrityScore != 1.0 {
		t.Fatalf("expected a fully valid chain, got score %f with breaks %+v", report.IntegrityScore, report.BrokenLinks)
	}

	l.links[1].PreviousHash = "tampered"
	broken := l.VerifyChain(ks, keystore.Ed25519, h.PublicKey)
	if len(broken.BrokenLinks) == 0 {
		t.Fatal("expected tampered previousHash to be detected")
	}
	if broken.ValidLinks == broken.TotalLinks {
		t.Fatal("expected fewer valid links after tampering")
	}
}

func TestBuildMerkleBatchRoundTrip(t *testing.T) {
	leaves := []string{"a", "b", "c", "d", "e"}
	batch, err := BuildMerkleBatch(leaves)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Root == "" {
		t.Fatal("expected non-empty root")
	}
	for _, leaf := range leaves {
		if _, ok := batch.Proofs[leaf]; !ok {
			t.Fatalf("expected a proof for leaf %s", leaf)
		}
	}
}
