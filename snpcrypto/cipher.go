// Package snpcrypto implements C3: the per-connection crypto context.
// It holds AEAD encrypt/decrypt state with per-direction key + base IV,
// runs the cert-check/DH/HKDF handshake, and wipes secrets on drop.
//
// Grounded on stream/stream.go's exchange() (hkdf.New + io.ReadFull per
// derived output) generalized from stream.go's single-secretbox-key
// scheme to the spec's four-output (send/recv key + send/recv IV)
// schedule, and on ratchet.go's curve25519 + memguard handling of
// long-lived key material.
package snpcrypto

import "errors"

// Cipher identifies a negotiated symmetric cipher (spec.md §4.2).
type Cipher uint8

const (
	CipherNull Cipher = iota
	CipherAES256GCM
)

func (c Cipher) String() string {
	switch c {
	case CipherNull:
		return "NULL"
	case CipherAES256GCM:
		return "AES_256_GCM"
	default:
		return "UNKNOWN"
	}
}

// UnencryptedPolicy controls how strongly a side prefers/requires
// encryption (spec.md §4.2).
type UnencryptedPolicy uint8

const (
	// PolicyRequireEncrypted rejects the NULL cipher outright.
	PolicyRequireEncrypted UnencryptedPolicy = iota
	// PolicyPreferEncrypted accepts NULL only if no encrypted cipher is
	// mutually supported.
	PolicyPreferEncrypted
	// PolicyPreferPlain accepts an encrypted cipher only if NULL is not
	// mutually supported.
	PolicyPreferPlain
	// PolicyRequirePlain rejects every cipher except NULL.
	PolicyRequirePlain
)

var ErrNoCommonCipher = errors.New("snpcrypto: no mutually acceptable cipher")

// PreferenceList orders the ciphers a side will advertise, most to least
// preferred, according to its UnencryptedPolicy.
func PreferenceList(policy UnencryptedPolicy) []Cipher {
	switch policy {
	case PolicyRequirePlain:
		return []Cipher{CipherNull}
	case PolicyPreferPlain:
		return []Cipher{CipherNull, CipherAES256GCM}
	case PolicyPreferEncrypted:
		return []Cipher{CipherAES256GCM, CipherNull}
	default: // PolicyRequireEncrypted
		return []Cipher{CipherAES256GCM}
	}
}

// ChooseCipher is run by the handshake acceptor: it picks the first
// cipher in localPrefs that also appears in remotePrefs. The acceptor
// must then advertise back exactly this one cipher (spec.md §4.2).
func ChooseCipher(localPrefs, remotePrefs []Cipher) (Cipher, error) {
	remote := make(map[Cipher]struct{}, len(remotePrefs))
	for _, c := range remotePrefs {
		remote[c] = struct{}{}
	}
	for _, c := range localPrefs {
		if _, ok := remote[c]; ok {
			return c, nil
		}
	}
	return 0, ErrNoCommonCipher
}
