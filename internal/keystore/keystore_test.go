package keystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSignVerifyRoundTripEd25519(t *testing.T) {
	ks := New()
	h, err := ks.GenerateKeypair(Ed25519)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte(`{"hello":"world"}`)
	sig, err := ks.Sign(h, msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := ks.Verify(Ed25519, h.PublicKey, msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestSignVerifyRoundTripRSA(t *testing.T) {
	ks := New()
	h, err := ks.GenerateKeypair(RSAPSSSHA256)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte(`{"hello":"world"}`)
	sig, err := ks.Sign(h, msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := ks.Verify(RSAPSSSHA256, h.PublicKey, msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	ks := New()
	h, _ := ks.GenerateKeypair(Ed25519)
	msg := []byte(`{"amount":1}`)
	sig, _ := ks.Sign(h, msg)

	tampered := []byte(`{"amount":2}`)
	ok, err := ks.Verify(Ed25519, h.PublicKey, tampered, sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestVerifyRejectsSuiteMismatch(t *testing.T) {
	ks := New()
	h, _ := ks.GenerateKeypair(Ed25519)
	msg := []byte("hello")
	sig, _ := ks.Sign(h, msg)
	sig.Suite = string(RSAPSSSHA256)

	ok, err := ks.Verify(Ed25519, h.PublicKey, msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected suite mismatch to fail verification")
	}
}

func TestSaveLoadKeypairRoundTripWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id.key")
	pubPath := filepath.Join(dir, "id.pub")

	ks := New()
	h, _ := ks.GenerateKeypair(Ed25519)
	if err := ks.SaveKeypair(h, privPath, pubPath, "correct horse battery staple"); err != nil {
		t.Fatal(err)
	}

	loaded, err := ks.LoadKeypair(privPath, "correct horse battery staple", false)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Fingerprint != h.Fingerprint {
		t.Fatalf("fingerprint mismatch after reload: got %s want %s", loaded.Fingerprint, h.Fingerprint)
	}

	if _, err := ks.LoadKeypair(privPath, "wrong passphrase", false); err == nil {
		t.Fatal("expected load with wrong passphrase to fail")
	}
}

func TestRotatePreservesVerifiabilityAndMarksOldRotated(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id.key")
	pubPath := filepath.Join(dir, "id.pub")
	trustPath := filepath.Join(dir, "trust.json")

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := New()
	ks.TimeFunc = func() time.Time { return fixed }

	h, _ := ks.GenerateKeypair(Ed25519)
	if err := ks.SaveKeypair(h, privPath, pubPath, ""); err != nil {
		t.Fatal(err)
	}
	trust, err := LoadTrustStore(trustPath)
	if err != nil {
		t.Fatal(err)
	}
	trust.Add(h.Fingerprint, Ed25519, h.PublicKey, fixed, "initial")

	ks.TimeFunc = func() time.Time { return fixed.Add(1 * time.Hour) }
	result, err := ks.Rotate(privPath, pubPath, "", trust)
	if err != nil {
		t.Fatal(err)
	}
	if result.OldFingerprint != h.Fingerprint {
		t.Fatalf("expected old fingerprint %s, got %s", h.Fingerprint, result.OldFingerprint)
	}

	reloadedTrust, err := LoadTrustStore(trustPath)
	if err != nil {
		t.Fatal(err)
	}
	oldEntry, ok := reloadedTrust.Lookup(h.Fingerprint)
	if !ok || oldEntry.Status != StatusRotated {
		t.Fatalf("expected old key marked rotated, got %+v", oldEntry)
	}
	if oldEntry.RotatedTo != result.New.Fingerprint {
		t.Fatalf("expected rotatedTo=%s, got %s", result.New.Fingerprint, oldEntry.RotatedTo)
	}

	newLoaded, err := ks.LoadKeypair(privPath, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if newLoaded.Fingerprint != result.New.Fingerprint {
		t.Fatal("expected new keypair on disk to match rotation result")
	}
}

func TestTrustStatusHonorsGraceWindowThenExpires(t *testing.T) {
	dir := t.TempDir()
	trust, _ := LoadTrustStore(filepath.Join(dir, "trust.json"))
	rotatedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trust.Add("fp1", Ed25519, []byte("pub"), rotatedAt, "")
	trust.MarkRotated("fp1", "fp2", rotatedAt)

	grace := 72 * time.Hour
	within := rotatedAt.Add(1 * time.Hour)
	if got := trust.TrustStatus("fp1", within, grace); got != StatusRotated {
		t.Fatalf("expected rotated within grace window, got %s", got)
	}

	after := rotatedAt.Add(100 * time.Hour)
	if got := trust.TrustStatus("fp1", after, grace); got != StatusRevoked {
		t.Fatalf("expected rotated key past grace window to be treated as revoked, got %s", got)
	}
}

func TestTrustStatusRevokedIsAlwaysRejected(t *testing.T) {
	dir := t.TempDir()
	trust, _ := LoadTrustStore(filepath.Join(dir, "trust.json"))
	now := time.Now()
	trust.Add("fp1", Ed25519, []byte("pub"), now, "")
	trust.Revoke("fp1")

	if got := trust.TrustStatus("fp1", now, 72*time.Hour); got != StatusRevoked {
		t.Fatalf("expected revoked, got %s", got)
	}
}

func TestLoadKeypairRefusesInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id.key")
	pubPath := filepath.Join(dir, "id.pub")

	ks := New()
	h, _ := ks.GenerateKeypair(Ed25519)
	if err := ks.SaveKeypair(h, privPath, pubPath, ""); err != nil {
		t.Fatal(err)
	}

	if err := os.Chmod(privPath, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.LoadKeypair(privPath, "", false); err == nil {
		t.Fatal("expected refusal to load a world-readable private key")
	}
	if _, err := ks.LoadKeypair(privPath, "", true); err != nil {
		t.Fatalf("expected override to succeed, got %v", err)
	}
}
