package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStreamTagRoundTrip(t *testing.T) {
	accountID := uuid.NewString()
	secret := "test-stream-secret"

	tag, err := EncodeStreamTag(accountID, secret)
	assert.NoError(t, err)
	assert.NotEmpty(t, tag)

	decoded, err := DecodeStreamTag("g.connector.spsp."+tag, secret)
	assert.NoError(t, err)
	assert.Equal(t, accountID, decoded)
}

func TestStreamTagNoTagIsNotAnError(t *testing.T) {
	for _, destination := range []string{
		"g.connector.spsp",
		"singlesegment",
		"g.connector.not-base64!!",
		"g.connector.",
	} {
		_, err := DecodeStreamTag(destination, "secret")
		assert.ErrorIs(t, err, ErrNoStreamTag, "destination %q", destination)
	}
}

func TestStreamTagWrongSecret(t *testing.T) {
	tag, err := EncodeStreamTag(uuid.NewString(), "right-secret")
	assert.NoError(t, err)

	_, err = DecodeStreamTag("g.connector."+tag, "wrong-secret")
	assert.ErrorIs(t, err, ErrNoStreamTag)
}

func TestStreamTagEncodingsDiffer(t *testing.T) {
	accountID := uuid.NewString()

	first, err := EncodeStreamTag(accountID, "secret")
	assert.NoError(t, err)
	second, err := EncodeStreamTag(accountID, "secret")
	assert.NoError(t, err)

	// Fresh nonce per encode: identical plaintext must not leak equality.
	assert.NotEqual(t, first, second)
}
