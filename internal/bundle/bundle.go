// Package bundle implements C9 Bundle Packager: it snapshots artifacts,
// their sidecars, and a ledger slice into a deterministic, manifest-
// indexed, deflate-compressed archive, and verifies one produced
// earlier.
package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kgenhq/kgen/internal/canon"
	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/models"
	"github.com/kgenhq/kgen/internal/verifier"
)

// zipEpoch is the fixed timestamp stamped on every archive entry so two
// runs over the same tree produce byte-identical archives.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Packager creates and verifies bundle archives.
type Packager struct {
	KeyStore *keystore.KeyStore
	Keypair  *keystore.KeypairHandle
	TimeFunc func() time.Time
}

// New constructs a Packager. ks/h may be nil if bundles are never signed.
func New(ks *keystore.KeyStore, h *keystore.KeypairHandle) *Packager {
	return &Packager{KeyStore: ks, Keypair: h, TimeFunc: time.Now}
}

func (p *Packager) now() time.Time {
	if p.TimeFunc != nil {
		return p.TimeFunc()
	}
	return time.Now()
}

type fileEntry struct {
	path string // absolute source path
	name string // archive-relative name, e.g. "artifacts/foo.txt"
	hash string
	size int64
}

// CreateBundle materializes req.ArtifactPaths (plus each artifact's
// discovered "<path>.attest.json" sidecar) and req.LedgerSlice into a
// signed, manifest-indexed archive at req.OutputPath.
func (p *Packager) CreateBundle(req models.BundleRequest) (models.BundleResult, error) {
	var artifactEntries, attestationEntries []fileEntry

	for _, artifactPath := range req.ArtifactPaths {
		fe, err := buildEntry(artifactPath, "artifacts/"+filepath.Base(artifactPath))
		if err != nil {
			return models.BundleResult{}, err
		}
		artifactEntries = append(artifactEntries, fe)

		sidecarPath := artifactPath + ".attest.json"
		if _, err := os.Stat(sidecarPath); err == nil {
			ae, err := buildEntry(sidecarPath, "attestations/"+filepath.Base(sidecarPath))
			if err != nil {
				return models.BundleResult{}, err
			}
			attestationEntries = append(attestationEntries, ae)
		}
	}
	sortEntries(artifactEntries)
	sortEntries(attestationEntries)

	ledgerJSON, err := json.MarshalIndent(req.LedgerSlice, "", "  ")
	if err != nil {
		return models.BundleResult{}, errkind.Wrap(errkind.Schema, "bundle.CreateBundle", err)
	}

	manifest := models.BundleManifest{
		BundleID:      req.BundleID,
		BundleVersion: "1.0",
		CreatedAt:     p.now().UTC().Format(time.RFC3339),
		Artifacts:     toBundleFileEntries(artifactEntries),
		Attestations:  toBundleFileEntries(attestationEntries),
		LedgerSlice:   req.LedgerSlice,
		Compliance:    req.Compliance,
	}
	manifest.Integrity = models.BundleIntegrity{
		Files: append(append([]models.BundleFileEntry{}, manifest.Artifacts...), manifest.Attestations...),
	}
	manifestHash, err := hashWithoutField(manifest, "integrity")
	if err != nil {
		return models.BundleResult{}, err
	}
	manifest.Integrity.ManifestHash = manifestHash

	if req.Sign && p.KeyStore != nil && p.Keypair != nil {
		projection, err := canon.ToTree(manifest)
		if err != nil {
			return models.BundleResult{}, err
		}
		delete(projection, "signature")
		canonical, err := canon.Canonicalize(projection, canon.Default)
		if err != nil {
			return models.BundleResult{}, err
		}
		sig, err := p.KeyStore.Sign(p.Keypair, canonical)
		if err != nil {
			return models.BundleResult{}, err
		}
		manifest.Signature = &sig
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return models.BundleResult{}, errkind.Wrap(errkind.Schema, "bundle.CreateBundle", err)
	}

	if err := writeArchive(req.OutputPath, manifestJSON, ledgerJSON, artifactEntries, attestationEntries); err != nil {
		return models.BundleResult{}, err
	}

	archiveBytes, err := os.ReadFile(req.OutputPath)
	if err != nil {
		return models.BundleResult{}, errkind.Wrap(errkind.IO, "bundle.CreateBundle", err)
	}
	bundleHash, err := hash.Bytes(hash.SHA256, archiveBytes)
	if err != nil {
		return models.BundleResult{}, err
	}

	return models.BundleResult{
		OutputPath: req.OutputPath,
		BundleHash: bundleHash,
		Manifest:   manifest,
	}, nil
}

func buildEntry(path, archiveName string) (fileEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileEntry{}, errkind.Wrap(errkind.IO, "bundle.buildEntry", err)
	}
	digest, err := hash.File(hash.SHA256, path)
	if err != nil {
		return fileEntry{}, err
	}
	return fileEntry{path: path, name: archiveName, hash: digest, size: info.Size()}, nil
}

func sortEntries(entries []fileEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
}

func toBundleFileEntries(entries []fileEntry) []models.BundleFileEntry {
	out := make([]models.BundleFileEntry, len(entries))
	for i, e := range entries {
		out[i] = models.BundleFileEntry{Path: e.name, Hash: e.hash, Size: e.size}
	}
	return out
}

func hashWithoutField(manifest models.BundleManifest, field string) (string, error) {
	tree, err := canon.ToTree(manifest)
	if err != nil {
		return "", err
	}
	delete(tree, field)
	delete(tree, "signature")
	h, err := hash.Canonical(tree, canon.Default)
	if err != nil {
		return "", errkind.Wrap(errkind.Canonicalization, "bundle.hashWithoutField", err)
	}
	return h, nil
}

// writeArchive emits /manifest.json, /ledger/slice.json, and every
// artifact/attestation in fixed alphabetical order with deflate
// compression and the ZIP epoch timestamp, so identical trees always
// produce byte-identical archives.
func writeArchive(outputPath string, manifestJSON, ledgerJSON []byte, artifacts, attestations []fileEntry) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return errkind.Wrap(errkind.IO, "bundle.writeArchive", err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return errkind.Wrap(errkind.IO, "bundle.writeArchive", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	if err := addBytes(zw, "manifest.json", manifestJSON); err != nil {
		return err
	}
	if err := addBytes(zw, "ledger/slice.json", ledgerJSON); err != nil {
		return err
	}
	for _, e := range artifacts {
		if err := addFile(zw, e.path, e.name); err != nil {
			return err
		}
	}
	for _, e := range attestations {
		if err := addFile(zw, e.path, e.name); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return errkind.Wrap(errkind.IO, "bundle.writeArchive", err)
	}
	return nil
}

func addBytes(zw *zip.Writer, name string, content []byte) error {
	header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch}
	w, err := zw.CreateHeader(header)
	if err != nil {
		return errkind.Wrap(errkind.IO, "bundle.addBytes", err)
	}
	if _, err := w.Write(content); err != nil {
		return errkind.Wrap(errkind.IO, "bundle.addBytes", err)
	}
	return nil
}

func addFile(zw *zip.Writer, srcPath, name string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return errkind.Wrap(errkind.IO, "bundle.addFile", err)
	}
	defer f.Close()

	header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch}
	w, err := zw.CreateHeader(header)
	if err != nil {
		return errkind.Wrap(errkind.IO, "bundle.addFile", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return errkind.Wrap(errkind.IO, "bundle.addFile", err)
	}
	return nil
}

// VerifyBundle re-hashes the archive and every listed file, re-verifies
// every included attestation via C6, and checks the ledger slice's
// continuity via C5. expectedBundleHash, if non-empty, is compared
// against the freshly computed hash of the archive file itself (the
// value createBundle returned as BundleResult.BundleHash).
func (p *Packager) VerifyBundle(path string, expectedBundleHash string, v *verifier.Verifier, suite keystore.Suite, ledgerPub []byte, bundleSignerPub []byte) (models.BundleVerifyReport, error) {
	archiveBytes, err := os.ReadFile(path)
	if err != nil {
		return models.BundleVerifyReport{}, errkind.Wrap(errkind.IO, "bundle.VerifyBundle", err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return models.BundleVerifyReport{}, errkind.Wrap(errkind.Schema, "bundle.VerifyBundle", err)
	}
	defer zr.Close()

	contents := make(map[string][]byte, len(zr.File))
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return models.BundleVerifyReport{}, errkind.Wrap(errkind.IO, "bundle.VerifyBundle", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return models.BundleVerifyReport{}, errkind.Wrap(errkind.IO, "bundle.VerifyBundle", err)
		}
		contents[zf.Name] = data
	}

	var report models.BundleVerifyReport
	report.Valid = true

	manifestRaw, ok := contents["manifest.json"]
	if !ok {
		report.Valid = false
		report.FileIssues = append(report.FileIssues, "manifest.json missing from archive")
		return report, nil
	}
	var manifest models.BundleManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		report.Valid = false
		report.FileIssues = append(report.FileIssues, "manifest.json is not valid JSON")
		return report, nil
	}

	if expectedBundleHash != "" {
		archiveHash, err := hash.Bytes(hash.SHA256, archiveBytes)
		report.BundleHashMatch = err == nil && hash.EqualHex(archiveHash, expectedBundleHash)
		if !report.BundleHashMatch {
			report.Valid = false
			report.FileIssues = append(report.FileIssues, "archive bundleHash mismatch")
		}
	} else {
		report.BundleHashMatch = true
	}

	if manifest.Integrity.ManifestHash != "" {
		recomputed, err := hashWithoutField(manifest, "integrity")
		if err != nil || !hash.EqualHex(recomputed, manifest.Integrity.ManifestHash) {
			report.Valid = false
			report.FileIssues = append(report.FileIssues, "manifest integrity hash mismatch")
		}
	}

	for _, entries := range [][]models.BundleFileEntry{manifest.Artifacts, manifest.Attestations} {
		for _, e := range entries {
			data, ok := contents[e.Path]
			if !ok {
				report.Valid = false
				report.FileIssues = append(report.FileIssues, fmt.Sprintf("%s missing from archive", e.Path))
				continue
			}
			digest, err := hash.Bytes(hash.SHA256, data)
			if err != nil || !hash.EqualHex(digest, e.Hash) {
				report.Valid = false
				report.FileIssues = append(report.FileIssues, fmt.Sprintf("%s content hash mismatch", e.Path))
			}
		}
	}

	if v != nil {
		tmpDir, err := os.MkdirTemp("", "kgen-bundle-verify-")
		if err == nil {
			defer os.RemoveAll(tmpDir)
			for _, e := range manifest.Artifacts {
				data := contents[e.Path]
				artifactName := filepath.Base(e.Path)
				artifactTmp := filepath.Join(tmpDir, artifactName)
				os.WriteFile(artifactTmp, data, 0644)
				for _, a := range manifest.Attestations {
					if filepath.Base(a.Path) == artifactName+".attest.json" {
						os.WriteFile(artifactTmp+".attest.json", contents[a.Path], 0644)
					}
				}
				rep := v.VerifyArtifact(artifactTmp)
				report.AttestationReports = append(report.AttestationReports, rep)
				if !rep.Valid {
					report.Valid = false
				}
			}
		}
	}

	var ks *keystore.KeyStore
	if v != nil {
		ks = v.KeyStore
	}
	report.LedgerChain = ledger.VerifySlice(manifest.LedgerSlice, ks, suite, ledgerPub)
	if report.LedgerChain.TotalLinks > 0 && report.LedgerChain.ValidLinks != report.LedgerChain.TotalLinks {
		report.Valid = false
	}

	if manifest.Signature != nil && len(bundleSignerPub) > 0 && ks != nil {
		projection, err := canon.ToTree(manifest)
		if err == nil {
			delete(projection, "signature")
			canonical, err := canon.Canonicalize(projection, canon.Default)
			if err == nil {
				ok, err := ks.Verify(keystore.Suite(manifest.Signature.Suite), bundleSignerPub, canonical, *manifest.Signature)
				if err != nil || !ok {
					report.Valid = false
					report.FileIssues = append(report.FileIssues, "manifest signature verification failed")
				}
			}
		}
	}

	return report, nil
}
