package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// DeriveKey expands a master secret into 32 bytes of key material bound to
// a key version, so bootstrap keys are never stored in config.
func DeriveKey(master []byte, version uint32) ([]byte, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(master))
	}
	key := make([]byte, 32)
	info := []byte(fmt.Sprintf("chat-relay envelope key v%d", version))
	if _, err := HKDF(master, nil, info, key); err != nil {
		return nil, err
	}
	return key, nil
}
