package encclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat_relay/internal/model"
)

type (
	HTTPTransport struct {
		endpoint string
		client   *http.Client
	}
)

func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

func (t *HTTPTransport) Encrypt(ctx context.Context, req model.EncryptionRequest) (*model.Envelope, error) {
	var resp model.EncryptRPCResponse
	err := t.post(ctx, "/encrypt", &model.EncryptRPCRequest{
		Message:        req.Plaintext,
		AssociatedData: req.AssociatedData,
	}, &resp)
	if err != nil {
		return nil, err
	}

	env, err := model.DecodeEnvelope(resp.Encrypted)
	if err != nil {
		// a garbled response is a transport problem, not tampering by the caller
		return nil, fmt.Errorf("encrypt response: %v: %w", err, model.ErrNetwork)
	}
	return env, nil
}

func (t *HTTPTransport) Decrypt(ctx context.Context, env *model.Envelope, associatedData []byte) ([]byte, error) {
	encoded, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrAuthenticationFailure)
	}

	var resp model.DecryptRPCResponse
	err = t.post(ctx, "/decrypt", &model.DecryptRPCRequest{
		Encrypted:      encoded,
		AssociatedData: associatedData,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, model.ErrNetwork)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s response: %v: %w", path, err, model.ErrNetwork)
		}
		return nil
	}

	var rpcErr model.RPCError
	if err := json.NewDecoder(resp.Body).Decode(&rpcErr); err == nil && rpcErr.Error.Terminal() {
		return fmt.Errorf("%s: %s: %w", path, rpcErr.Message, rpcErr.Error.Err())
	}
	return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, model.ErrNetwork)
}
