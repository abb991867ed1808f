package encclient

import (
	"context"
	"fmt"

	"chat_relay/internal/model"
	"chat_relay/internal/service/encryption"
)

// LocalTransport calls an in-process encryption service.
type LocalTransport struct {
	svc *encryption.Service
}

func NewLocalTransport(svc *encryption.Service) *LocalTransport {
	return &LocalTransport{svc: svc}
}

func (t *LocalTransport) Encrypt(ctx context.Context, req model.EncryptionRequest) (*model.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrNetwork)
	}
	return t.svc.Encrypt(req)
}

func (t *LocalTransport) Decrypt(ctx context.Context, env *model.Envelope, associatedData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrNetwork)
	}
	return t.svc.Decrypt(env, associatedData)
}
