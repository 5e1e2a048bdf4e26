package snpcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreferenceListOrdering(t *testing.T) {
	require.Equal(t, []Cipher{CipherAES256GCM}, PreferenceList(PolicyRequireEncrypted))
	require.Equal(t, []Cipher{CipherNull}, PreferenceList(PolicyRequirePlain))
	require.Equal(t, []Cipher{CipherAES256GCM, CipherNull}, PreferenceList(PolicyPreferEncrypted))
	require.Equal(t, []Cipher{CipherNull, CipherAES256GCM}, PreferenceList(PolicyPreferPlain))
}

func TestChooseCipherPicksFirstLocalMatch(t *testing.T) {
	c, err := ChooseCipher(
		[]Cipher{CipherAES256GCM, CipherNull},
		[]Cipher{CipherNull, CipherAES256GCM},
	)
	require.NoError(t, err)
	require.Equal(t, CipherAES256GCM, c)
}

func TestChooseCipherNoCommonCipher(t *testing.T) {
	_, err := ChooseCipher([]Cipher{CipherAES256GCM}, []Cipher{CipherNull})
	require.ErrorIs(t, err, ErrNoCommonCipher)
}

func TestCipherString(t *testing.T) {
	require.Equal(t, "NULL", CipherNull.String())
	require.Equal(t, "AES_256_GCM", CipherAES256GCM.String())
	require.Equal(t, "UNKNOWN", Cipher(99).String())
}
