package snpcrypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/opendgram/snp/certstore"
)

// hkdfContextLabel is the fixed domain-separation label mixed into every
// HKDF-expand round (spec.md §4.2 step 8). Its length (14 ASCII bytes)
// matches the byte layout the derivation depends on.
const hkdfContextLabel = "Reliable Dgram"

const (
	minProtocolVersion       = 10
	protocolVersionPing1Seed = 10 // protocol version at/above which next_send=2, max_recv=1
)

var (
	ErrBadCert                 = errors.New("snpcrypto: remote certificate rejected")
	ErrIdentityMismatch        = errors.New("snpcrypto: certificate identity does not match expected remote identity")
	ErrAnonymousNotAllowed     = errors.New("snpcrypto: anonymous cert not permitted for this peer")
	ErrNoAppIDs                = errors.New("snpcrypto: cert with an identity must carry at least one app id")
	ErrBadCryptInfoSig         = errors.New("snpcrypto: crypt-info signature invalid")
	ErrProtocolTooOld          = errors.New("snpcrypto: peer protocol version below minimum")
	ErrProtocolVersionMismatch = errors.New("snpcrypto: peer reported inconsistent protocol versions")
	ErrUnsignedNotAllowed      = errors.New("snpcrypto: unsigned cert not permitted and no signed cert available")
)

// CryptInfo is the signed payload each side sends during the handshake
// (spec.md §4.2): the ephemeral DH public key, a nonce for salt
// derivation, protocol version, and the cipher preference list.
type CryptInfo struct {
	ProtocolVersion uint32
	KeyType         string
	KeyData         []byte // 32-byte Curve25519 public key
	Nonce           uint64
	Ciphers         []Cipher
}

// SignedCryptInfo wraps a CryptInfo with a detached signature made with
// the sender's certificate key.
type SignedCryptInfo struct {
	Payload   []byte // encoding of CryptInfo
	Signature []byte
}

// Role distinguishes which side of the handshake a participant is
// playing; the HKDF salt and context layout are swapped for the server
// so both sides compute identical outputs (spec.md §4.2 step 8).
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// IdentityClass lets the caller tell the handshake whether a given
// anonymous cert's identity belongs to a known "anonymous gameserver"
// kind of peer (spec.md §4.2 step 2).
type IdentityClass uint8

const (
	IdentityOrdinary IdentityClass = iota
	IdentityAnonymousPeer
)

// HandshakeInputs bundles everything ValidateCert/ValidateCryptInfo need
// beyond the wire messages themselves.
type HandshakeInputs struct {
	CertStore *certstore.Store
	Now       time.Time

	// ExpectedRemoteIdentity is required to equal the cert's identity
	// field when that field is present and not "localhost".
	ExpectedRemoteIdentity string
	// RemoteIdentityClass classifies the peer for the anonymous-cert
	// carve-out (spec.md §4.2 step 2).
	RemoteIdentityClass IdentityClass

	// LearnedProtocolVersion is the protocol version learned from an
	// earlier frame, if any; 0 means "none learned yet".
	LearnedProtocolVersion uint32
}

// ValidateCert runs spec.md §4.2 steps 1-3 against a peer's signed cert.
func ValidateCert(sc *certstore.SignedCert, in HandshakeInputs) (certstore.AuthScope, *certstore.Cert, error) {
	scope, err := in.CertStore.Verify(sc, in.Now)
	if err != nil {
		return certstore.AuthScope{}, nil, ErrBadCert
	}
	cert, err := certstore.DecodeCert(sc)
	if err != nil {
		return certstore.AuthScope{}, nil, ErrBadCert
	}

	if cert.Identity != "" && cert.Identity != "localhost" {
		if cert.Identity != in.ExpectedRemoteIdentity {
			return certstore.AuthScope{}, nil, ErrIdentityMismatch
		}
	} else if cert.Identity == "" {
		// Anonymous CA-signed cert: only acceptable for a known
		// "anonymous gameserver" peer, and only if scoped to at least
		// one datacenter/pop.
		if in.RemoteIdentityClass != IdentityAnonymousPeer {
			return certstore.AuthScope{}, nil, ErrAnonymousNotAllowed
		}
		if !scope.AllPops && len(scope.Pops) == 0 {
			return certstore.AuthScope{}, nil, ErrAnonymousNotAllowed
		}
	}

	if cert.Identity != "" && len(cert.AppIDs) == 0 {
		return certstore.AuthScope{}, nil, ErrNoAppIDs
	}

	return scope, cert, nil
}

// ValidateCryptInfo runs spec.md §4.2 steps 4-5: signature check against
// the cert's key, parse, and protocol-version consistency.
func ValidateCryptInfo(sci *SignedCryptInfo, cert *certstore.Cert, decode func([]byte) (*CryptInfo, error), in HandshakeInputs) (*CryptInfo, error) {
	if !verifySignature(cert.KeyData, sci.Payload, sci.Signature) {
		return nil, ErrBadCryptInfoSig
	}
	ci, err := decode(sci.Payload)
	if err != nil {
		return nil, err
	}
	if ci.ProtocolVersion < minProtocolVersion {
		return nil, ErrProtocolTooOld
	}
	if in.LearnedProtocolVersion != 0 && in.LearnedProtocolVersion != ci.ProtocolVersion {
		return nil, ErrProtocolVersionMismatch
	}
	return ci, nil
}

func verifySignature(pub, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// InitialPacketNumbers reports the (next_send, max_recv) seed values for
// protocols at/above 10, where the connect/connect-ok pair itself counts
// as packet 1 (spec.md §4.2 step 6).
func InitialPacketNumbers(protocolVersion uint32) (nextSend uint64, maxRecv int64) {
	if protocolVersion >= protocolVersionPing1Seed {
		return 2, 1
	}
	return 1, 0
}

// Secrets bundles the handshake's ephemeral key material under memguard
// protection so it can be reliably wiped once derivation completes
// (spec.md §4.2 step 9).
type Secrets struct {
	ephemeralPriv *memguard.LockedBuffer
	EphemeralPub  [32]byte
}

// NewEphemeral generates a fresh Curve25519 keypair for one handshake
// attempt.
func NewEphemeral(randSource func([]byte) (int, error)) (*Secrets, error) {
	priv := memguard.NewBuffer(32)
	if _, err := randSource(priv.Bytes()); err != nil {
		priv.Destroy()
		return nil, err
	}
	s := &Secrets{ephemeralPriv: priv}
	pub, err := curve25519.X25519(priv.Bytes(), curve25519.Basepoint)
	if err != nil {
		priv.Destroy()
		return nil, err
	}
	copy(s.EphemeralPub[:], pub)
	return s, nil
}

// Destroy wipes the ephemeral private key. Safe to call more than once.
func (s *Secrets) Destroy() {
	if s.ephemeralPriv != nil {
		s.ephemeralPriv.Destroy()
	}
}

// DeriveKeySchedule runs spec.md §4.2 steps 7-8: Curve25519 DH against
// the peer's public key, then HKDF-SHA256 extract/expand into four
// outputs (send key, recv key, send IV, recv IV). Roles are swapped on
// the server so both sides land on the same salt and context layout.
func (s *Secrets) DeriveKeySchedule(peerPublic [32]byte, nonceLocal, nonceRemote uint64, localConnID, remoteConnID uint32, certLocal, certRemote, cryptLocal, cryptRemote []byte, role Role) (sendKey, recvKey [32]byte, sendIV, recvIV [12]byte, err error) {
	premaster, err := curve25519.X25519(s.ephemeralPriv.Bytes(), peerPublic[:])
	if err != nil {
		return sendKey, recvKey, sendIV, recvIV, err
	}
	premasterBuf := memguard.NewBufferFromBytes(premaster)
	defer premasterBuf.Destroy()

	salt := hkdfSalt(nonceRemote, nonceLocal, role)
	prk := hkdf.Extract(sha256.New, premasterBuf.Bytes(), salt)
	prkBuf := memguard.NewBufferFromBytes(prk)
	defer prkBuf.Destroy()

	localConnBytes, remoteConnBytes := leUint32(localConnID), leUint32(remoteConnID)
	var connIDField []byte
	if role == RoleServer {
		connIDField = append(append([]byte{}, remoteConnBytes...), localConnBytes...)
	} else {
		connIDField = append(append([]byte{}, localConnBytes...), remoteConnBytes...)
	}

	// spec.md §4.2 step 8's literal field order is cert_remote, cert_local,
	// crypt_remote, crypt_local, swapped on the server so both sides land
	// on the same bytes.
	var c1, c2, c3, c4 []byte
	if role == RoleServer {
		c1, c2, c3, c4 = certLocal, certRemote, cryptLocal, cryptRemote
	} else {
		c1, c2, c3, c4 = certRemote, certLocal, cryptRemote, cryptLocal
	}

	context := make([]byte, 0, 32+8+len(hkdfContextLabel)+4*4+len(c1)+len(c2)+len(c3)+len(c4))
	context = append(context, make([]byte, 32)...) // scratch prefix, round 1 is all zero
	context = append(context, connIDField...)
	context = append(context, []byte(hkdfContextLabel)...)
	context = appendLenPrefixed(context, c1)
	context = appendLenPrefixed(context, c2)
	context = appendLenPrefixed(context, c3)
	context = appendLenPrefixed(context, c4)
	context = append(context, 0) // round-index byte, set per round below

	scratch := context[:32]
	roundIdx := len(context) - 1

	expand := func(out []byte, round byte) {
		context[roundIdx] = round
		mac := hmac.New(sha256.New, prkBuf.Bytes())
		mac.Write(context)
		digest := mac.Sum(nil)
		copy(out, digest)
		copy(scratch, digest)
	}

	// The four rounds are computed identically on both sides; the role
	// decides which direction each round keys. Round 1 keys the client's
	// send direction, so the server installs it as its recv key.
	var k1, k2 [32]byte
	var v3, v4 [12]byte
	expand(k1[:], 1)
	expand(k2[:], 2)
	expand(v3[:], 3)
	expand(v4[:], 4)

	if role == RoleServer {
		return k2, k1, v4, v3, nil
	}
	return k1, k2, v3, v4, nil
}

func hkdfSalt(nonceRemote, nonceLocal uint64, role Role) []byte {
	// Salt = concat(nonce_peer_le64, nonce_local_le64); roles are
	// swapped on the server so both sides compute the same salt
	// (spec.md §4.2 step 8).
	if role == RoleServer {
		nonceRemote, nonceLocal = nonceLocal, nonceRemote
	}
	salt := make([]byte, 16)
	binary.LittleEndian.PutUint64(salt[0:8], nonceRemote)
	binary.LittleEndian.PutUint64(salt[8:16], nonceLocal)
	return salt
}

func leUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func appendLenPrefixed(dst, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, field...)
	return dst
}
