package encryption

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"chat_relay/internal/cryptographic/keystore"
	"chat_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMax = 16 * 1024

func newTestService(t *testing.T) (*Service, *keystore.KeyStore) {
	t.Helper()
	ks := keystore.New(nil)
	_, err := ks.Rotate(context.Background(), bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	return NewService(ks, testMax), ks
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ad := []byte("alice")

	for _, size := range []int{0, 1, 15, 16, 17, 10000, testMax} {
		plaintext := randomBytes(t, size)

		env, err := svc.Encrypt(model.EncryptionRequest{Plaintext: plaintext, AssociatedData: ad})
		require.NoError(t, err, "size %d", size)
		assert.Len(t, env.Ciphertext, size)

		got, err := svc.Decrypt(env, ad)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(plaintext, got), "size %d did not round-trip", size)
	}
}

func TestTenThousandBytesSurviveWireEncoding(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext := randomBytes(t, 10000)

	env, err := svc.Encrypt(model.EncryptionRequest{Plaintext: plaintext})
	require.NoError(t, err)
	encoded, err := env.Encode()
	require.NoError(t, err)

	decoded, err := model.DecodeEnvelope(encoded)
	require.NoError(t, err)
	got, err := svc.Decrypt(decoded, nil)
	require.NoError(t, err)
	require.Len(t, got, 10000)
	assert.Equal(t, plaintext, got)
}

func TestPayloadTooLarge(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Encrypt(model.EncryptionRequest{Plaintext: make([]byte, testMax+1)})
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)
}

func TestNoncesAreUnique(t *testing.T) {
	svc, _ := newTestService(t)
	seen := make(map[string]struct{})

	const n = 5000
	for i := 0; i < n; i++ {
		env, err := svc.Encrypt(model.EncryptionRequest{Plaintext: []byte("same message")})
		require.NoError(t, err)
		require.Equal(t, uint32(1), env.KeyVersion)
		seen[string(env.Nonce)] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestTamperDetection(t *testing.T) {
	svc, _ := newTestService(t)
	ad := []byte("alice")
	env, err := svc.Encrypt(model.EncryptionRequest{Plaintext: []byte("attack at dawn"), AssociatedData: ad})
	require.NoError(t, err)

	flip := func(field []byte, name string) {
		for i := range field {
			for bit := 0; bit < 8; bit++ {
				field[i] ^= 1 << bit
				got, err := svc.Decrypt(env, ad)
				assert.ErrorIs(t, err, model.ErrAuthenticationFailure, "%s byte %d bit %d", name, i, bit)
				assert.Nil(t, got)
				field[i] ^= 1 << bit
			}
		}
	}
	flip(env.Ciphertext, "ciphertext")
	flip(env.Tag, "tag")
	flip(env.Nonce, "nonce")

	_, err = svc.Decrypt(env, []byte("mallory"))
	assert.ErrorIs(t, err, model.ErrAuthenticationFailure)

	got, err := svc.Decrypt(env, ad)
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", string(got))
}

func TestKeyRotationAndPurge(t *testing.T) {
	ctx := context.Background()
	svc, ks := newTestService(t)

	old, err := svc.Encrypt(model.EncryptionRequest{Plaintext: []byte("under v1")})
	require.NoError(t, err)
	require.Equal(t, uint32(1), old.KeyVersion)

	_, err = ks.Rotate(ctx, bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	fresh, err := svc.Encrypt(model.EncryptionRequest{Plaintext: []byte("under v2")})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), fresh.KeyVersion)

	got, err := svc.Decrypt(old, nil)
	require.NoError(t, err)
	assert.Equal(t, "under v1", string(got))

	require.NoError(t, ks.Purge(ctx, 1))
	_, err = svc.Decrypt(old, nil)
	assert.ErrorIs(t, err, model.ErrKeyUnavailable)

	got, err = svc.Decrypt(fresh, nil)
	require.NoError(t, err)
	assert.Equal(t, "under v2", string(got))
}

func TestEncryptWithoutActiveKey(t *testing.T) {
	svc := NewService(keystore.New(nil), testMax)
	_, err := svc.Encrypt(model.EncryptionRequest{Plaintext: []byte("x")})
	assert.ErrorIs(t, err, model.ErrKeyUnavailable)
}
