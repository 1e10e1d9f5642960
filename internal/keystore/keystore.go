// Package keystore implements C3 KeyStore & Signer: keypair
// generation/loading/rotation, signing and verification, an at-rest
// AES-256-GCM key-wrapping scheme, and a trust store mapping key
// fingerprints to their status.
//
// No suite negotiation happens at verify time: the suite is chosen at
// keypair creation and recorded with every signature produced by that
// key, so verify() always knows which algorithm to apply.
package keystore

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/models"
)

const sha256Hash = crypto.SHA256

// Suite identifies a signing algorithm. The suite is fixed at keypair
// creation time; there is no runtime negotiation.
type Suite string

const (
	Ed25519      Suite = models.SuiteEd25519
	RSAPSSSHA256 Suite = models.SuiteRSAPSSSHA256
)

const (
	pemPrivateEd25519 = "ED25519 PRIVATE KEY"
	pemPublicEd25519  = "ED25519 PUBLIC KEY"
	pemPrivateRSA     = "RSA PRIVATE KEY"
	pemPublicRSA      = "RSA PUBLIC KEY"
)

// KeypairHandle is an opaque, explicit handle to a loaded keypair. It
// is never a process-wide singleton: callers thread it through every
// call that needs it.
type KeypairHandle struct {
	Suite       Suite
	Fingerprint string
	PublicKey   []byte // raw public key bytes (ed25519.PublicKey, or RSA DER)

	priv interface{} // ed25519.PrivateKey or *rsa.PrivateKey
}

// TimeFunc is the injectable clock. Defaults to time.Now but is
// swappable so signedAt/rotation timestamps are deterministic when
// SOURCE_DATE_EPOCH governs a run.
type TimeFunc func() time.Time

// KeyStore is the explicit handle around keypair I/O, signing, and the
// trust store. One instance per run; never a global.
type KeyStore struct {
	mu          sync.Mutex
	cache       *sigCache
	TimeFunc    TimeFunc
	GraceWindow time.Duration // how long a "rotated" key remains acceptable
}

// New constructs a KeyStore with a default 72h rotation grace window.
func New() *KeyStore {
	return &KeyStore{
		cache:       newSigCache(256),
		TimeFunc:    time.Now,
		GraceWindow: 72 * time.Hour,
	}
}

// GenerateKeypair creates a new keypair for suite from a cryptographically
// strong source.
func (ks *KeyStore) GenerateKeypair(suite Suite) (*KeypairHandle, error) {
	switch suite {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "keystore.GenerateKeypair", err)
		}
		return &KeypairHandle{Suite: suite, PublicKey: []byte(pub), Fingerprint: fingerprint([]byte(pub)), priv: priv}, nil
	case RSAPSSSHA256:
		priv, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "keystore.GenerateKeypair", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "keystore.GenerateKeypair", err)
		}
		return &KeypairHandle{Suite: suite, PublicKey: pubDER, Fingerprint: fingerprint(pubDER), priv: priv}, nil
	default:
		return nil, errkind.New(errkind.Config, "keystore.GenerateKeypair", fmt.Sprintf("unsupported suite %q", suite))
	}
}

// fingerprint derives a short hex identifier from a public key's bytes.
func fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// SaveKeypair writes the private key (AES-256-GCM wrapped if passphrase
// is non-empty) at 0600 and the public key at 0644, both PEM-encoded.
func (ks *KeyStore) SaveKeypair(h *KeypairHandle, privPath, pubPath, passphrase string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	privDER, pubType, privType, err := encodeRaw(h)
	if err != nil {
		return err
	}

	privBytes := privDER
	if passphrase != "" {
		wrapped, err := wrapPrivateKey(privDER, passphrase)
		if err != nil {
			return errkind.Wrap(errkind.Crypto, "keystore.SaveKeypair", err)
		}
		privBytes = wrapped
		privType = "ENCRYPTED " + privType
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return errkind.Wrap(errkind.IO, "keystore.SaveKeypair", err)
	}
	if err := writeAtomicPEM(privPath, privType, privBytes, 0600); err != nil {
		return err
	}
	if pubPath != "" {
		if err := writeAtomicPEM(pubPath, pubType, h.PublicKey, 0644); err != nil {
			return err
		}
	}
	return nil
}

func encodeRaw(h *KeypairHandle) (privDER []byte, pubType, privType string, err error) {
	switch h.Suite {
	case Ed25519:
		priv := h.priv.(ed25519.PrivateKey)
		return []byte(priv), pemPublicEd25519, pemPrivateEd25519, nil
	case RSAPSSSHA256:
		priv := h.priv.(*rsa.PrivateKey)
		return x509.MarshalPKCS1PrivateKey(priv), pemPublicRSA, pemPrivateRSA, nil
	default:
		return nil, "", "", errkind.New(errkind.Config, "keystore.encodeRaw", fmt.Sprintf("unsupported suite %q", h.Suite))
	}
}

func writeAtomicPEM(path, pemType string, der []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errkind.Wrap(errkind.IO, "keystore.writeAtomicPEM", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: pemType, Bytes: der}); err != nil {
		f.Close()
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "keystore.writeAtomicPEM", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "keystore.writeAtomicPEM", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "keystore.writeAtomicPEM", err)
	}
	return nil
}

// LoadKeypair reads a private key PEM file, unwrapping it with
// passphrase if it is AES-256-GCM wrapped, and refuses to load a key
// with group/world read permission bits set unless allowInsecurePerms
// is true.
func (ks *KeyStore) LoadKeypair(privPath string, passphrase string, allowInsecurePerms bool) (*KeypairHandle, error) {
	info, err := os.Stat(privPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "keystore.LoadKeypair", err)
	}
	if runtime.GOOS != "windows" && !allowInsecurePerms {
		if info.Mode().Perm()&0077 != 0 {
			return nil, errkind.New(errkind.Config, "keystore.LoadKeypair",
				fmt.Sprintf("private key %s is group/world readable (mode %o); refusing to load", privPath, info.Mode().Perm()))
		}
	}

	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "keystore.LoadKeypair", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errkind.New(errkind.Crypto, "keystore.LoadKeypair", "failed to decode PEM block")
	}

	der := block.Bytes
	privType := block.Type
	if len(privType) > len("ENCRYPTED ") && privType[:len("ENCRYPTED ")] == "ENCRYPTED " {
		if passphrase == "" {
			return nil, errkind.New(errkind.Config, "keystore.LoadKeypair", "private key is encrypted; passphrase required")
		}
		plain, err := unwrapPrivateKey(der, passphrase)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "keystore.LoadKeypair", err)
		}
		der = plain
		privType = privType[len("ENCRYPTED "):]
	}

	switch privType {
	case pemPrivateEd25519:
		if len(der) != ed25519.PrivateKeySize {
			return nil, errkind.New(errkind.Crypto, "keystore.LoadKeypair", "invalid ed25519 private key size")
		}
		priv := ed25519.PrivateKey(der)
		pub := priv.Public().(ed25519.PublicKey)
		return &KeypairHandle{Suite: Ed25519, PublicKey: []byte(pub), Fingerprint: fingerprint([]byte(pub)), priv: priv}, nil
	case pemPrivateRSA:
		priv, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "keystore.LoadKeypair", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "keystore.LoadKeypair", err)
		}
		return &KeypairHandle{Suite: RSAPSSSHA256, PublicKey: pubDER, Fingerprint: fingerprint(pubDER), priv: priv}, nil
	default:
		return nil, errkind.New(errkind.Crypto, "keystore.LoadKeypair", fmt.Sprintf("unrecognized key type %q", privType))
	}
}

// Sign produces a Signature over canonicalBytes using handle. It never
// re-signs a precomputed digest of unknown provenance: the caller
// always supplies the exact canonical bytes to sign.
func (ks *KeyStore) Sign(h *KeypairHandle, canonicalBytes []byte) (models.Signature, error) {
	now := time.Now
	if ks.TimeFunc != nil {
		now = ks.TimeFunc
	}
	var value string
	switch h.Suite {
	case Ed25519:
		priv := h.priv.(ed25519.PrivateKey)
		sig := ed25519.Sign(priv, canonicalBytes)
		value = hex.EncodeToString(sig)
	case RSAPSSSHA256:
		priv := h.priv.(*rsa.PrivateKey)
		digest := sha256.Sum256(canonicalBytes)
		sig, err := rsa.SignPSS(rand.Reader, priv, sha256Hash, digest[:], nil)
		if err != nil {
			return models.Signature{}, errkind.Wrap(errkind.Crypto, "keystore.Sign", err)
		}
		value = hex.EncodeToString(sig)
	default:
		return models.Signature{}, errkind.New(errkind.Config, "keystore.Sign", fmt.Sprintf("unsupported suite %q", h.Suite))
	}
	return models.Signature{
		Suite:          string(h.Suite),
		Value:          value,
		KeyFingerprint: h.Fingerprint,
		SignedAt:       now().UTC().Format(time.RFC3339),
	}, nil
}

// Verify checks sig against canonicalBytes and the given public key
// bytes. It is constant-time for the underlying comparisons and never
// panics on malformed input: any parse failure yields false, nil.
func (ks *KeyStore) Verify(suite Suite, pubKey []byte, canonicalBytes []byte, sig models.Signature) (bool, error) {
	if string(suite) != sig.Suite {
		return false, nil
	}
	cacheKey := cacheKeyFor(canonicalBytes, sig)
	if v, ok := ks.cache.get(cacheKey); ok {
		return v, nil
	}

	ok, err := ks.verifyUncached(suite, pubKey, canonicalBytes, sig)
	if err == nil {
		ks.cache.put(cacheKey, ok)
	}
	return ok, err
}

func (ks *KeyStore) verifyUncached(suite Suite, pubKey []byte, canonicalBytes []byte, sig models.Signature) (bool, error) {
	sigBytes, err := hex.DecodeString(sig.Value)
	if err != nil {
		return false, nil
	}
	switch suite {
	case Ed25519:
		if len(pubKey) != ed25519.PublicKeySize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pubKey), canonicalBytes, sigBytes), nil
	case RSAPSSSHA256:
		pubAny, err := x509.ParsePKIXPublicKey(pubKey)
		if err != nil {
			return false, nil
		}
		rsaPub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return false, nil
		}
		digest := sha256.Sum256(canonicalBytes)
		err = rsa.VerifyPSS(rsaPub, sha256Hash, digest[:], sigBytes, nil)
		return err == nil, nil
	default:
		return false, errkind.New(errkind.Crypto, "keystore.Verify", fmt.Sprintf("unknown suite %q", suite))
	}
}

func cacheKeyFor(canonicalBytes []byte, sig models.Signature) string {
	h := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(h[:]) + "|" + sig.Suite + "|" + sig.KeyFingerprint
}
