package encryption

import (
	"errors"
	"fmt"

	"chat_relay/internal/cryptographic/encryption"
	"chat_relay/internal/metrics"
	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	KeyProvider interface {
		CurrentKey() (model.KeyRecord, error)
		KeyByVersion(version uint32) (model.KeyRecord, error)
	}

	// Service seals and opens chat payloads. Each call depends only on its
	// inputs and the key snapshot it reads.
	Service struct {
		keys         KeyProvider
		maxPlaintext int
	}
)

func NewService(keys KeyProvider, maxPlaintext int) *Service {
	return &Service{
		keys:         keys,
		maxPlaintext: maxPlaintext,
	}
}

func (s *Service) MaxPlaintextSize() int { return s.maxPlaintext }

func (s *Service) Encrypt(req model.EncryptionRequest) (*model.Envelope, error) {
	env, err := s.encrypt(req)
	metrics.EncryptionOps.WithLabelValues("encrypt", result(err)).Inc()
	return env, err
}

func (s *Service) encrypt(req model.EncryptionRequest) (*model.Envelope, error) {
	if len(req.Plaintext) > s.maxPlaintext {
		return nil, fmt.Errorf("%d bytes exceeds %d: %w", len(req.Plaintext), s.maxPlaintext, model.ErrPayloadTooLarge)
	}

	key, err := s.keys.CurrentKey()
	if err != nil {
		log.Error("no active encryption key", zap.Error(err))
		return nil, err
	}

	nonce, err := encryption.NewNonce()
	if err != nil {
		return nil, err
	}

	ct, tag, err := encryption.AEADEncrypt(key.Material, nonce, req.Plaintext, req.AssociatedData)
	if err != nil {
		return nil, err
	}

	return &model.Envelope{
		KeyVersion: key.Version,
		Nonce:      nonce,
		Ciphertext: ct,
		Tag:        tag,
	}, nil
}

func (s *Service) Decrypt(env *model.Envelope, associatedData []byte) ([]byte, error) {
	plain, err := s.decrypt(env, associatedData)
	metrics.EncryptionOps.WithLabelValues("decrypt", result(err)).Inc()
	return plain, err
}

func (s *Service) decrypt(env *model.Envelope, associatedData []byte) ([]byte, error) {
	key, err := s.keys.KeyByVersion(env.KeyVersion)
	if err != nil {
		return nil, err
	}

	plain, err := encryption.AEADDecrypt(key.Material, env.Nonce, env.Ciphertext, env.Tag, associatedData)
	if errors.Is(err, encryption.ErrDecryptionFailed) {
		log.Security("envelope failed authentication",
			zap.Uint32("key_version", env.KeyVersion),
			zap.Int("ciphertext_len", len(env.Ciphertext)),
		)
		return nil, fmt.Errorf("key v%d: %w", env.KeyVersion, model.ErrAuthenticationFailure)
	}
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return string(model.KindOf(err))
}
