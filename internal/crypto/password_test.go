package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Low work factor keeps the suite fast; TestPasswordHasherDefaultIterations covers the default.
const testIterations = 1000

func TestPasswordHasherVerify(t *testing.T) {
	h := NewPasswordHasher(testIterations)
	record, err := h.Hash("secret123")
	require.NoError(t, err)

	assert.NotEqual(t, "secret123", record)
	assert.True(t, h.Verify("secret123", record))
	assert.False(t, h.Verify("secret124", record))
	assert.False(t, h.Verify("", record))
}

func TestPasswordHasherUniqueSalt(t *testing.T) {
	h := NewPasswordHasher(testIterations)
	a, err := h.Hash("same")
	require.NoError(t, err)
	b, err := h.Hash("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPasswordHasherRecordFormat(t *testing.T) {
	h := NewPasswordHasher(testIterations)
	record, err := h.Hash("pw")
	require.NoError(t, err)

	parts := strings.Split(record, ".")
	require.Len(t, parts, 3)
	assert.Equal(t, "1000", parts[0])
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, salt, 16)
	key, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestPasswordHasherUsesStoredIterations(t *testing.T) {
	old := NewPasswordHasher(testIterations)
	record, err := old.Hash("pw")
	require.NoError(t, err)

	current := NewPasswordHasher(testIterations * 2)
	assert.True(t, current.Verify("pw", record))
	assert.True(t, current.NeedsRehash(record))
	assert.False(t, old.NeedsRehash(record))
}

func TestPasswordHasherTamperedRecord(t *testing.T) {
	h := NewPasswordHasher(testIterations)
	record, err := h.Hash("pw")
	require.NoError(t, err)

	parts := strings.Split(record, ".")
	key, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	key[0] ^= 0x01
	parts[2] = base64.StdEncoding.EncodeToString(key)

	assert.False(t, h.Verify("pw", strings.Join(parts, ".")))
}

func TestPasswordHasherMalformedRecords(t *testing.T) {
	h := NewPasswordHasher(testIterations)
	for _, record := range []string{
		"",
		"   ",
		"1000.c2FsdA==",
		"1000.c2FsdA==.a2V5.extra",
		"many.c2FsdA==.a2V5",
		"-5.c2FsdA==.a2V5",
		"1000.!!!.a2V5",
		"1000.c2FsdA==.!!!",
		"1000..a2V5",
	} {
		assert.NotPanics(t, func() {
			assert.False(t, h.Verify("pw", record), "record %q", record)
		})
		assert.False(t, h.NeedsRehash(record))
	}
}

func TestPasswordHasherDefaultIterations(t *testing.T) {
	h := NewPasswordHasher(0)
	assert.Equal(t, DefaultIterations, h.Iterations())

	record, err := h.Hash("secret123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record, "120000."))
	assert.True(t, h.Verify("secret123", record))
}
