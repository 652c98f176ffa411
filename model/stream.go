package model

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// A stream correlation tag is the final segment of a destination address. It
// privately encodes the target account id under a connector-held secret so
// intermediaries learn nothing from the address.

var ErrNoStreamTag = errors.New("no stream correlation tag")

func streamCipher(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncodeStreamTag seals an account id into an address-safe tag segment.
func EncodeStreamTag(accountID, secret string) (string, error) {
	aead, err := streamCipher(secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(accountID), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodeStreamTag recovers the account id from the last segment of a
// destination address. Returns ErrNoStreamTag when the segment is absent or
// was not produced under the secret; that is not a packet failure.
func DecodeStreamTag(destination, secret string) (string, error) {
	idx := strings.LastIndex(destination, ".")
	if idx < 0 || idx == len(destination)-1 {
		return "", ErrNoStreamTag
	}
	raw, err := base64.RawURLEncoding.DecodeString(destination[idx+1:])
	if err != nil {
		return "", ErrNoStreamTag
	}
	aead, err := streamCipher(secret)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrNoStreamTag
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrNoStreamTag
	}
	return string(plain), nil
}
