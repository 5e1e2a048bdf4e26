package snpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// tagSize is the AES-256-GCM authentication tag length (spec.md §4.2).
const tagSize = 16

var (
	ErrDecryptFailed = errors.New("snpcrypto: decryption failed")
	ErrNotEncrypting = errors.New("snpcrypto: connection uses the NULL cipher")
)

// Context holds one connection's per-direction AEAD state: the
// negotiated cipher plus a send and a receive cipher.AEAD, each with its
// own base IV. It is the thing C3 "wipes secrets on drop" refers to —
// Close zeroes the base IVs and drops the AEAD references.
//
// Stdlib crypto/aes + crypto/cipher.NewGCM implements AES-256-GCM because
// the spec names this exact cipher; see SPEC_FULL.md DOMAIN STACK for why
// this is not the pack's secretbox/chacha20poly1305 AEADs.
type Context struct {
	cipher Cipher

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendBaseIV [12]byte
	recvBaseIV [12]byte
}

// NewNullContext returns a Context that performs no encryption, for a
// connection that negotiated the NULL cipher (e.g. a loopback Pair).
func NewNullContext() *Context {
	return &Context{cipher: CipherNull}
}

// NewAES256GCMContext builds an encrypting Context from a derived key
// schedule (see DeriveKeySchedule).
func NewAES256GCMContext(sendKey, recvKey [32]byte, sendIV, recvIV [12]byte) (*Context, error) {
	sendAEAD, err := newGCM(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := newGCM(recvKey)
	if err != nil {
		return nil, err
	}
	return &Context{
		cipher:     CipherAES256GCM,
		sendAEAD:   sendAEAD,
		recvAEAD:   recvAEAD,
		sendBaseIV: sendIV,
		recvBaseIV: recvIV,
	}, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Cipher reports the negotiated cipher.
func (c *Context) Cipher() Cipher { return c.cipher }

// Seal encrypts plaintext for the given outgoing packet number, returning
// ciphertext||tag. For the NULL cipher it returns plaintext unchanged.
func (c *Context) Seal(packetNumber uint64, plaintext []byte) []byte {
	if c.cipher == CipherNull {
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out
	}
	iv := packetIV(c.sendBaseIV, packetNumber)
	return c.sendAEAD.Seal(nil, iv[:], plaintext, nil)
}

// Open decrypts a received packet. On failure it returns ErrDecryptFailed;
// the caller must still count the raw bytes (spec.md §4.2: "drop
// silently but still update raw byte counters") and must not ack.
func (c *Context) Open(packetNumber uint64, ciphertext []byte) ([]byte, error) {
	if c.cipher == CipherNull {
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil
	}
	if len(ciphertext) < tagSize {
		return nil, ErrDecryptFailed
	}
	iv := packetIV(c.recvBaseIV, packetNumber)
	plaintext, err := c.recvAEAD.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// MaxPlaintextPayload returns the largest plaintext payload that fits in
// mtuPktSize bytes of ciphertext once the AEAD tag is subtracted
// (spec.md §4.2, "max_plaintext_payload").
func (c *Context) MaxPlaintextPayload(mtuPktSize int) int {
	if c.cipher == CipherNull {
		return mtuPktSize
	}
	n := mtuPktSize - tagSize
	if n < 0 {
		return 0
	}
	return n
}

// Close wipes the base IVs and drops the AEAD state (spec.md §4.2: "wipes
// secrets on drop").
func (c *Context) Close() {
	for i := range c.sendBaseIV {
		c.sendBaseIV[i] = 0
	}
	for i := range c.recvBaseIV {
		c.recvBaseIV[i] = 0
	}
	c.sendAEAD = nil
	c.recvAEAD = nil
}

// packetIV computes base_iv XOR little_endian_u64(packet_number) applied
// to the first 8 bytes of the 12-byte base IV (spec.md §4.2).
func packetIV(base [12]byte, packetNumber uint64) [12]byte {
	var pn [8]byte
	binary.LittleEndian.PutUint64(pn[:], packetNumber)
	iv := base
	for i := 0; i < 8; i++ {
		iv[i] ^= pn[i]
	}
	return iv
}
