package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealReveal(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	tests := []string{"0.00", "1000.50", "300", ""}
	for _, plaintext := range tests {
		sealed, err := c.Seal(plaintext)
		require.NoError(t, err)

		revealed, err := c.Reveal(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, revealed)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	a, err := c.Seal("500.00")
	require.NoError(t, err)
	b, err := c.Seal("500.00")
	require.NoError(t, err)

	assert.NotEqual(t, a.Bytes(), b.Bytes())
}

func TestRevealRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	sealed, err := c.Seal("250.00")
	require.NoError(t, err)

	raw := sealed.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, err = c.Reveal(FromBytes(raw))
	assert.Error(t, err)
}

func TestRevealRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher("secret-one")
	require.NoError(t, err)
	c2, err := NewCipher("secret-two")
	require.NoError(t, err)

	sealed, err := c1.Seal("42.00")
	require.NoError(t, err)

	_, err = c2.Reveal(sealed)
	assert.Error(t, err)
}

func TestNewCipherEmptySecret(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
