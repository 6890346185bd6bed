package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// gcmNonceLen is the AES-GCM nonce length; a fresh random nonce is drawn
// per sealed message.
const gcmNonceLen = 12

// Seal encrypts plaintext under key with AES-256-GCM, binding the result to
// aad. The returned envelope carries ciphertext, nonce, and aad as three
// independent values.
func Seal(key, plaintext, aad []byte) (domain.Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return domain.Envelope{}, err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return domain.Envelope{}, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return domain.Envelope{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
		Nonce:      nonce,
		AAD:        aad,
	}, nil
}

// Open decrypts an envelope. The presented aad must exactly match the
// envelope's bound aad before the authenticated decrypt is even attempted;
// a mismatch or a tag failure both surface as domain.ErrEnvelopeOpen so
// callers cannot distinguish tampering modes.
func Open(key []byte, env domain.Envelope, aad []byte) ([]byte, error) {
	if !bytes.Equal(env.AAD, aad) {
		return nil, domain.ErrEnvelopeOpen
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, domain.ErrEnvelopeOpen
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, domain.ErrEnvelopeOpen
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aesKeyLen {
		return nil, fmt.Errorf("crypto: expected %d-byte key, got %d bytes", aesKeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
