// Package crypto seals the sync credential token for storage at rest.
// Uses AES-256-GCM with a key derived from the device ID.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/fieldkit/fieldsync/internal/errors"
)

// SealToken encrypts a credential token so it can be stored in the
// local database. The result is base64-encoded nonce||ciphertext.
func SealToken(token, deviceID string) (string, error) {
	gcm, err := newGCM(deviceID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to generate nonce", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenToken decrypts a token previously produced by SealToken. It fails
// when the stored value is corrupt or was sealed for another device.
func OpenToken(sealed, deviceID string) (string, error) {
	gcm, err := newGCM(deviceID)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.New(errors.ErrInvalid, "stored token is not valid base64")
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New(errors.ErrInvalid, "stored token is truncated")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New(errors.ErrInvalid, "stored token failed authentication")
	}
	return string(plaintext), nil
}

func newGCM(deviceID string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte("fieldsync.credential." + deviceID))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to initialize cipher", err)
	}
	return cipher.NewGCM(block)
}
