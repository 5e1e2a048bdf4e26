// Package certstore is the §6 "external collaborator" the crypto
// handshake (snpcrypto) consults at its single entry point:
// Verify(signedCert, now) -> AuthScope. It is not part of the reliability
// core; it models the CA trust evaluation the core treats as opaque.
//
// Grounded on core/pki/descriptor.go's cert.Sign/epoch-bounded
// MixDescriptor.Verify()/VerifyDescriptor pattern (a payload, a detached
// signature, and an explicit validity window checked against "now"), and
// on spec.md §9's redesign note to replace the source's recursive
// cert-signed-by-CA trust walk with an iterative algorithm carrying an
// explicit per-key "in progress" marker to detect cycles.
package certstore

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// AppID and PopID identify an application and a point-of-presence /
// datacenter a cert may be scoped to (spec.md §6).
type AppID uint32
type PopID uint32

var (
	ErrUnknownCA    = errors.New("certstore: signer key id not trusted")
	ErrBadSignature = errors.New("certstore: signature verification failed")
	ErrExpired      = errors.New("certstore: certificate expired")
	ErrNotYetValid  = errors.New("certstore: certificate not yet valid")
	ErrRevoked      = errors.New("certstore: signer key has been revoked")
	ErrCycle        = errors.New("certstore: cyclic trust chain detected")
	ErrChainTooLong = errors.New("certstore: trust chain exceeds maximum depth")
)

// maxChainDepth bounds the iterative trust walk (spec.md §9: cycles must
// be detected without recursion).
const maxChainDepth = 8

// Cert is the payload a SignedCert wraps: the public key material and the
// scope it is allowed to assert (spec.md §4.2).
type Cert struct {
	KeyType     string
	KeyData     []byte
	Identity    string // empty for an anonymous cert
	AppIDs      []AppID
	PopIDs      []PopID
	TimeCreated time.Time
	TimeExpiry  time.Time
	Extra       map[string]string
}

// SignedCert is a Cert plus the CA signature over it (spec.md §4.2).
type SignedCert struct {
	SignedCertBytes []byte // cbor-encoded Cert
	CAKeyID         []byte // public key (or its id) of the signer
	CASignature     []byte
}

// AuthScope is the set of rights a verified cert (or chain) grants,
// per spec.md §6.
type AuthScope struct {
	// AllApps is true if the scope is unrestricted by application.
	AllApps bool
	Apps    map[AppID]struct{}

	AllPops bool
	Pops    map[PopID]struct{}

	Expiry time.Time
}

// Grants reports whether the scope covers the given app.
func (a AuthScope) Grants(app AppID) bool {
	if a.AllApps {
		return true
	}
	_, ok := a.Apps[app]
	return ok
}

// caEntry is one entry in the reference store's trust table: a CA public
// key, trusted directly (a root) or itself certified by another entry
// (signerID) up to maxChainDepth.
type caEntry struct {
	publicKey ed25519.PublicKey
	signerID  string // empty for a root
	scope     AuthScope
}

// Store is a reference, in-process implementation of the cert-store
// interface spec.md §6 requires the crypto handshake to consume. It is
// intentionally simple: production deployments would back this with a
// real PKI service, exactly as spec.md §1 scopes the CA certificate store
// out of the reliability core.
type Store struct {
	roots   map[string]*caEntry // keyID -> root CA entry
	revoked map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		roots:   make(map[string]*caEntry),
		revoked: make(map[string]struct{}),
	}
}

// AddRoot registers a trusted root CA key, scoped to grant the given
// AuthScope to any cert it directly signs.
func (st *Store) AddRoot(keyID string, pub ed25519.PublicKey, scope AuthScope) {
	st.roots[keyID] = &caEntry{publicKey: pub, scope: scope}
}

// AddRevocation marks a CA key id as revoked; any cert chain touching it
// subsequently fails verification.
func (st *Store) AddRevocation(keyID string) {
	st.revoked[keyID] = struct{}{}
}

// Reset clears all trust state.
func (st *Store) Reset() {
	st.roots = make(map[string]*caEntry)
	st.revoked = make(map[string]struct{})
}

// AddCertBase64 is a convenience loader mirroring spec.md §6's
// cert_store.add_cert_base64; it is left for callers to wire to whatever
// persistence they choose and is not used by Verify itself.
func (st *Store) AddCertBase64(keyID string, b64 []byte, scope AuthScope) error {
	pub, err := decodeEd25519PublicKeyBase64(b64)
	if err != nil {
		return err
	}
	st.AddRoot(keyID, pub, scope)
	return nil
}

// Verify is the single entry point the crypto handshake calls
// (spec.md §4.2 step 1): verify(signed_cert, now) -> AuthScope. It
// iteratively walks the CA-id chain (an explicit "visited" set, not
// recursion) to detect cycles, per spec.md §9.
func (st *Store) Verify(sc *SignedCert, now time.Time) (AuthScope, error) {
	keyID := string(sc.CAKeyID)
	visited := make(map[string]struct{}, maxChainDepth)

	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			return AuthScope{}, ErrChainTooLong
		}
		if _, ok := visited[keyID]; ok {
			return AuthScope{}, ErrCycle
		}
		visited[keyID] = struct{}{}

		if _, revoked := st.revoked[keyID]; revoked {
			return AuthScope{}, ErrRevoked
		}
		entry, ok := st.roots[keyID]
		if !ok {
			return AuthScope{}, ErrUnknownCA
		}
		if depth == 0 {
			// Only the direct signer's key verifies the leaf cert's
			// signature; ancestors up the delegation chain are walked
			// purely for revocation/expiry/cycle checks.
			if !ed25519.Verify(entry.publicKey, sc.SignedCertBytes, sc.CASignature) {
				return AuthScope{}, ErrBadSignature
			}
		}
		if entry.signerID == "" {
			// Root of trust reached.
			if now.After(entry.scope.Expiry) {
				return AuthScope{}, ErrExpired
			}
			return entry.scope, nil
		}
		keyID = entry.signerID
	}
}

// DecodeCert unmarshals the cbor-encoded Cert payload inside a SignedCert.
func DecodeCert(sc *SignedCert) (*Cert, error) {
	var c Cert
	if err := cbor.Unmarshal(sc.SignedCertBytes, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeCert cbor-encodes a Cert for embedding in a SignedCert.
func EncodeCert(c *Cert) ([]byte, error) {
	return cbor.Marshal(c)
}

func decodeEd25519PublicKeyBase64(b64 []byte) (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return nil, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("certstore: bad public key length")
	}
	return ed25519.PublicKey(pub), nil
}
