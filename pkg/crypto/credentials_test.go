package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // base64 of 32 ASCII bytes

func TestNewSecretBox(t *testing.T) {
	_, err := NewSecretBox("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	box, err := NewSecretBox(testKey)
	require.NoError(t, err)
	assert.NotNil(t, box)

	box, err = NewSecretBox("a plain passphrase")
	require.NoError(t, err)
	assert.NotNil(t, box)
}

func TestSecretBox_RoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey)
	require.NoError(t, err)

	for _, secret := range []string{"s3cret", "pässwörd;with=ado;chars", "x"} {
		sealed, err := box.Seal("profile-1", secret)
		require.NoError(t, err)
		assert.NotEqual(t, secret, sealed)

		opened, err := box.Open("profile-1", sealed)
		require.NoError(t, err)
		assert.Equal(t, secret, opened)
	}
}

func TestSecretBox_EmptySecret(t *testing.T) {
	box, err := NewSecretBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("profile-1", "")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := box.Open("profile-1", "")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestSecretBox_UniqueNonces(t *testing.T) {
	box, err := NewSecretBox(testKey)
	require.NoError(t, err)

	a, err := box.Seal("p", "same")
	require.NoError(t, err)
	b, err := box.Seal("p", "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretBox_OwnerBinding(t *testing.T) {
	box, err := NewSecretBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("profile-1", "s3cret")
	require.NoError(t, err)

	_, err = box.Open("profile-2", sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSecretBox_WrongKey(t *testing.T) {
	box, err := NewSecretBox(testKey)
	require.NoError(t, err)
	other, err := NewSecretBox("another passphrase")
	require.NoError(t, err)

	sealed, err := box.Seal("profile-1", "s3cret")
	require.NoError(t, err)

	_, err = other.Open("profile-1", sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSecretBox_InvalidInput(t *testing.T) {
	box, err := NewSecretBox(testKey)
	require.NoError(t, err)

	_, err = box.Open("p", "not base64!!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = box.Open("p", "c2hvcnQ=")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
