package attestation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kgenhq/kgen/internal/canon"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/models"
)

func newTestBuilder(t *testing.T) (*Builder, *keystore.KeyStore, *keystore.KeypairHandle) {
	t.Helper()
	dir := t.TempDir()
	ks := keystore.New()
	h, err := ks.GenerateKeypair(keystore.Ed25519)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(filepath.Join(dir, "ledger.json"), ks, h, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(ks, h, l), ks, h
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildWritesSignedSidecar(t *testing.T) {
	b, ks, h := newTestBuilder(t)
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, "output.txt", "hello world")

	sidecar, err := b.Build(Input{
		ArtifactPath:   artifact,
		TemplateID:     "tpl-1",
		TemplateHash:   "sha256:abc",
		InputGraphHash: "sha256:def",
		EngineName:     "test-engine",
		EngineVersion:  "1.0.0",
		Agent:          models.Agent{ID: "agent-1", Type: "service"},
		OperationID:    "op-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if sidecar.Integrity.ArtifactHash != sidecar.Artifact.ContentHash {
		t.Fatal("expected artifact.contentHash and integrity.artifactHash to agree")
	}
	if sidecar.Signature.Value == "" {
		t.Fatal("expected a non-empty signature")
	}

	sidecarPath := artifact + SidecarExtension
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		t.Fatalf("expected sidecar file to exist: %v", err)
	}
	var onDisk models.Sidecar
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.AttestationID != sidecar.AttestationID {
		t.Fatal("expected on-disk sidecar to match returned sidecar")
	}

	ok, err := ks.Verify(keystore.Ed25519, h.PublicKey, mustCanonicalSigningBytes(t, onDisk), onDisk.Signature)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected on-disk signature to verify")
	}
}

func TestBuildRejectsDuplicatePathInOneOperation(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, "output.txt", "hello")

	in := Input{ArtifactPath: artifact, OperationID: "op-1", EngineName: "e", EngineVersion: "1"}
	if _, err := b.Build(in); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Build(in); err == nil {
		t.Fatal("expected second attestation of the same path to fail")
	}
}

func TestBuildFailsOnUnreadableArtifact(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.txt")

	if _, err := b.Build(Input{ArtifactPath: missing, OperationID: "op-1"}); err == nil {
		t.Fatal("expected unreadable artifact to fail")
	}
}

func mustCanonicalSigningBytes(t *testing.T, s models.Sidecar) []byte {
	t.Helper()
	tree, err := canon.ToTree(s)
	if err != nil {
		t.Fatal(err)
	}
	projection := canon.SigningProjection(tree)
	b, err := canon.Canonicalize(projection, canon.Default)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
