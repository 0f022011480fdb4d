package crypto

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *FieldCipher {
	t.Helper()
	c, err := NewFieldCipher("correct horse battery staple")
	require.NoError(t, err)
	return c
}

func TestFieldCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	for _, s := range []string{
		"hunter2",
		"Server=db;User Id=sa;Password=p@ss;",
		"çok gizli not · ünicode ✓",
		string(make([]byte, 4096)),
	} {
		token, err := c.Encrypt(s)
		require.NoError(t, err)
		assert.NotEqual(t, s, token)

		got, err := c.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestFieldCipherNonDeterministic(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt("same value")
	require.NoError(t, err)
	b, err := c.Encrypt("same value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFieldCipherEmpty(t *testing.T) {
	c := newTestCipher(t)
	token, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", token)

	plain, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestFieldCipherSamePassphraseSharesKey(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)
	token, err := a.Encrypt("shared")
	require.NoError(t, err)
	got, err := b.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "shared", got)
}

func TestFieldCipherWrongPassphrase(t *testing.T) {
	a := newTestCipher(t)
	b, err := NewFieldCipher("another passphrase")
	require.NoError(t, err)

	token, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(token)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestFieldCipherMalformedTokens(t *testing.T) {
	c := newTestCipher(t)
	token, err := c.Encrypt("secret")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	cases := map[string]string{
		"not base64": "%%%not-base64%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("short")),
		"tampered":   base64.StdEncoding.EncodeToString(raw),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(tok)
			assert.True(t, errors.Is(err, ErrMalformedCiphertext), "got %v", err)
		})
	}
}

func TestNewFieldCipherRequiresPassphrase(t *testing.T) {
	for _, p := range []string{"", "   "} {
		_, err := NewFieldCipher(p)
		assert.ErrorIs(t, err, ErrMissingKey)
	}
}
