// Package handshake drives spec.md §4.2's crypto handshake (C3) end to
// end, the layer that sits between the wire and conn.Connection the way
// client2/connection.go's dial/accept glue sits above stream.go's raw
// Noise handshake: build and sign a CryptInfo, exchange it with the peer
// alongside a cert in one plaintext round trip, validate what comes
// back against a certstore.Store, and derive the ready AEAD context.
package handshake

import (
	"crypto/ed25519"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/opendgram/snp/certstore"
	"github.com/opendgram/snp/internal/rng"
	"github.com/opendgram/snp/snpcrypto"
)

var (
	ErrNotReady  = errors.New("handshake: Start has not been called yet")
	ErrBadPubKey = errors.New("handshake: peer's crypt-info key is not a 32-byte X25519 point")
)

// Identity is one side's handshake credentials: the signed certificate it
// presents and the private key matching that certificate's embedded
// public key, used to sign the CryptInfo this side sends (spec.md §4.2
// steps 1/4).
type Identity struct {
	Cert    certstore.SignedCert
	SignKey ed25519.PrivateKey
}

// ConnectFrame is the plaintext datagram both the connect request and
// the connect-ok reply use: no AEAD context exists yet when either side
// sends it, so it travels unencrypted (spec.md §4.2 steps 1-6).
type ConnectFrame struct {
	LocalConnID uint32
	Cert        certstore.SignedCert
	CryptInfo   snpcrypto.SignedCryptInfo
}

// EncodeConnectFrame/DecodeConnectFrame serialize a ConnectFrame the same
// way certstore encodes a Cert: cbor, the serialization library this
// module uses everywhere a wire-stable struct needs framing.
func EncodeConnectFrame(f *ConnectFrame) ([]byte, error) { return cbor.Marshal(f) }

func DecodeConnectFrame(b []byte) (*ConnectFrame, error) {
	var f ConnectFrame
	if err := cbor.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func encodeCryptInfo(ci *snpcrypto.CryptInfo) ([]byte, error) { return cbor.Marshal(ci) }

func decodeCryptInfo(b []byte) (*snpcrypto.CryptInfo, error) {
	var ci snpcrypto.CryptInfo
	if err := cbor.Unmarshal(b, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// buildCryptInfo generates a fresh ephemeral DH keypair, signs a
// CryptInfo carrying its public half and an rng-sourced nonce with id's
// key, and returns the secrets alongside both the parsed and the signed,
// wire-ready forms.
func buildCryptInfo(id Identity, prefs []snpcrypto.Cipher, randSource func([]byte) (int, error)) (*snpcrypto.Secrets, *snpcrypto.CryptInfo, snpcrypto.SignedCryptInfo, error) {
	secrets, err := snpcrypto.NewEphemeral(randSource)
	if err != nil {
		return nil, nil, snpcrypto.SignedCryptInfo{}, err
	}
	ci := &snpcrypto.CryptInfo{
		ProtocolVersion: 10,
		KeyType:         "X25519",
		KeyData:         append([]byte(nil), secrets.EphemeralPub[:]...),
		Nonce:           rng.Uint64(),
		Ciphers:         prefs,
	}
	payload, err := encodeCryptInfo(ci)
	if err != nil {
		secrets.Destroy()
		return nil, nil, snpcrypto.SignedCryptInfo{}, err
	}
	signed := snpcrypto.SignedCryptInfo{Payload: payload, Signature: ed25519.Sign(id.SignKey, payload)}
	return secrets, ci, signed, nil
}

func decodeX25519Pub(b []byte) ([32]byte, error) {
	var pub [32]byte
	if len(b) != 32 {
		return pub, ErrBadPubKey
	}
	copy(pub[:], b)
	return pub, nil
}

// DialSession drives the client half of one handshake attempt. Start is
// idempotent across retries (conn.thinkHandshaking's retry loop calls
// it repeatedly through Transport.SendConnectRequest): the same ephemeral
// secrets are reused so a late or duplicated connect-ok still derives the
// same schedule.
type DialSession struct {
	id          Identity
	localConnID uint32
	prefs       []snpcrypto.Cipher
	rand        func([]byte) (int, error)

	secrets *snpcrypto.Secrets
	ci      *snpcrypto.CryptInfo
	signed  snpcrypto.SignedCryptInfo
}

func NewDialSession(id Identity, localConnID uint32, prefs []snpcrypto.Cipher, randSource func([]byte) (int, error)) *DialSession {
	return &DialSession{id: id, localConnID: localConnID, prefs: prefs, rand: randSource}
}

// Start returns this side's connect frame bytes, generating the
// ephemeral keypair on its first call.
func (s *DialSession) Start() ([]byte, error) {
	if s.secrets == nil {
		secrets, ci, signed, err := buildCryptInfo(s.id, s.prefs, s.rand)
		if err != nil {
			return nil, err
		}
		s.secrets, s.ci, s.signed = secrets, ci, signed
	}
	frame := &ConnectFrame{LocalConnID: s.localConnID, Cert: s.id.Cert, CryptInfo: s.signed}
	return EncodeConnectFrame(frame)
}

// Complete validates the peer's connect-ok frame (spec.md §4.2 steps
// 1-5) and derives the ready AEAD context (steps 7-9), returning the
// negotiated cipher, the peer's cert identity, and its local connection
// id (the caller's remote id) for conn.Connection.CompleteHandshake.
func (s *DialSession) Complete(replyBytes []byte, in snpcrypto.HandshakeInputs) (ctx *snpcrypto.Context, cipher snpcrypto.Cipher, remoteIdentity string, remoteConnID uint32, err error) {
	if s.secrets == nil {
		return nil, 0, "", 0, ErrNotReady
	}
	defer s.secrets.Destroy()

	reply, err := DecodeConnectFrame(replyBytes)
	if err != nil {
		return nil, 0, "", 0, err
	}
	_, cert, err := snpcrypto.ValidateCert(&reply.Cert, in)
	if err != nil {
		return nil, 0, "", 0, err
	}
	remoteCI, err := snpcrypto.ValidateCryptInfo(&reply.CryptInfo, cert, decodeCryptInfo, in)
	if err != nil {
		return nil, 0, "", 0, err
	}
	cipher, err = snpcrypto.ChooseCipher(s.prefs, remoteCI.Ciphers)
	if err != nil {
		return nil, 0, "", 0, err
	}
	peerPub, err := decodeX25519Pub(remoteCI.KeyData)
	if err != nil {
		return nil, 0, "", 0, err
	}

	certLocalBytes, _ := cbor.Marshal(s.id.Cert)
	certRemoteBytes, _ := cbor.Marshal(reply.Cert)

	sendKey, recvKey, sendIV, recvIV, err := s.secrets.DeriveKeySchedule(
		peerPub, s.ci.Nonce, remoteCI.Nonce, s.localConnID, reply.LocalConnID,
		certLocalBytes, certRemoteBytes, s.signed.Payload, reply.CryptInfo.Payload, snpcrypto.RoleClient)
	if err != nil {
		return nil, 0, "", 0, err
	}
	ctx, err = newContext(cipher, sendKey, recvKey, sendIV, recvIV)
	if err != nil {
		return nil, 0, "", 0, err
	}
	return ctx, cipher, cert.Identity, reply.LocalConnID, nil
}

// Accept runs the server half of the handshake in a single call against
// a just-received connect frame: validate the peer (spec.md §4.2 steps
// 1-5), build and sign this side's own CryptInfo, derive the same
// schedule DialSession.Complete will compute, and return both the ready
// context and the connect-ok bytes to send back.
func Accept(frameBytes []byte, id Identity, localConnID uint32, prefs []snpcrypto.Cipher, in snpcrypto.HandshakeInputs, randSource func([]byte) (int, error)) (reply []byte, ctx *snpcrypto.Context, cipher snpcrypto.Cipher, remoteIdentity string, remoteConnID uint32, err error) {
	frame, err := DecodeConnectFrame(frameBytes)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	_, cert, err := snpcrypto.ValidateCert(&frame.Cert, in)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	remoteCI, err := snpcrypto.ValidateCryptInfo(&frame.CryptInfo, cert, decodeCryptInfo, in)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	cipher, err = snpcrypto.ChooseCipher(prefs, remoteCI.Ciphers)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	peerPub, err := decodeX25519Pub(remoteCI.KeyData)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}

	secrets, ci, signed, err := buildCryptInfo(id, []snpcrypto.Cipher{cipher}, randSource)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	defer secrets.Destroy()

	certLocalBytes, _ := cbor.Marshal(id.Cert)
	certRemoteBytes, _ := cbor.Marshal(frame.Cert)

	sendKey, recvKey, sendIV, recvIV, err := secrets.DeriveKeySchedule(
		peerPub, ci.Nonce, remoteCI.Nonce, localConnID, frame.LocalConnID,
		certLocalBytes, certRemoteBytes, signed.Payload, frame.CryptInfo.Payload, snpcrypto.RoleServer)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	ctx, err = newContext(cipher, sendKey, recvKey, sendIV, recvIV)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}

	replyFrame := &ConnectFrame{LocalConnID: localConnID, Cert: id.Cert, CryptInfo: signed}
	reply, err = EncodeConnectFrame(replyFrame)
	if err != nil {
		return nil, nil, 0, "", 0, err
	}
	return reply, ctx, cipher, cert.Identity, frame.LocalConnID, nil
}

func newContext(cipher snpcrypto.Cipher, sendKey, recvKey [32]byte, sendIV, recvIV [12]byte) (*snpcrypto.Context, error) {
	if cipher == snpcrypto.CipherNull {
		return snpcrypto.NewNullContext(), nil
	}
	return snpcrypto.NewAES256GCMContext(sendKey, recvKey, sendIV, recvIV)
}
