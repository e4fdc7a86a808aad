package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	password := []byte("password")

	encrypted, err := EncryptAES256(secret, password)
	require.NoError(t, err)
	require.NotContains(t, string(encrypted), string(secret))

	decrypted, err := DecryptAES256(encrypted, password)
	require.NoError(t, err)
	require.Equal(t, secret, decrypted)

	_, err = DecryptAES256(encrypted, []byte("wrong"))
	require.ErrorIs(t, err, ErrInvalidPassword)

	_, err = EncryptAES256(nil, password)
	require.Error(t, err)
	_, err = DecryptAES256(encrypted[:10], password)
	require.Error(t, err)

	require.Len(t, HashPassword(password), 32)
}
