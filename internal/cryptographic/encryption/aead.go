package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead
)

var ErrDecryptionFailed = errors.New("encryption: message authentication failed")

// NewNonce draws a 192-bit nonce from crypto/rand. At that size random nonces
// do not collide under one key in any realistic message volume.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return nonce, nil
}

// AEADEncrypt seals plaintext with XChaCha20-Poly1305 and returns the
// ciphertext and tag separately.
func AEADEncrypt(key, nonce, plaintext, aad []byte) (ciphertext, tag []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return sealed[:split:split], sealed[split:], nil
}

// AEADDecrypt verifies tag over ciphertext and aad before returning any
// plaintext.
func AEADDecrypt(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	if len(nonce) != aead.NonceSize() || len(tag) != aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// NewKey returns fresh random key material for rotation.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("rand.Read key: %w", err)
	}
	return key, nil
}
