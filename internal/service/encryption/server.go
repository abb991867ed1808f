package encryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chat_relay/internal/cryptographic/encryption"
	"chat_relay/internal/metrics"
	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	KeyAdmin interface {
		Rotate(ctx context.Context, material []byte) (model.KeyRecord, error)
		Purge(ctx context.Context, version uint32) error
		Records() []model.KeyRecord
	}

	HttpServer struct {
		svc  *Service
		keys KeyAdmin
		addr string
	}
)

func NewHttpServer(svc *Service, keys KeyAdmin, addr string) *HttpServer {
	return &HttpServer{
		svc:  svc,
		keys: keys,
		addr: addr,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/encrypt", s.HandleEncrypt()).Methods(http.MethodPost)
	r.HandleFunc("/decrypt", s.HandleDecrypt()).Methods(http.MethodPost)
	r.HandleFunc("/keys", s.HandleListKeys()).Methods(http.MethodGet)
	r.HandleFunc("/keys/rotate", s.HandleRotate()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{version:[0-9]+}", s.HandlePurge()).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("encryption service listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// bodyLimit leaves room for base64 expansion plus JSON framing.
func (s *HttpServer) bodyLimit() int64 {
	return int64(s.svc.MaxPlaintextSize())*2 + 4096
}

func (s *HttpServer) HandleEncrypt() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.EncryptRPCRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}

		env, err := s.svc.Encrypt(model.EncryptionRequest{
			Plaintext:      req.Message,
			AssociatedData: req.AssociatedData,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		encoded, err := env.Encode()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &model.EncryptRPCResponse{Encrypted: encoded})
	}
}

func (s *HttpServer) HandleDecrypt() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.DecryptRPCRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}

		env, err := model.DecodeEnvelope(req.Encrypted)
		if err != nil {
			log.Security("undecodable envelope", zap.Error(err))
			writeError(w, err)
			return
		}

		plain, err := s.svc.Decrypt(env, req.AssociatedData)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &model.DecryptRPCResponse{Message: plain})
	}
}

func (s *HttpServer) HandleListKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.keys.Records())
	}
}

func (s *HttpServer) HandleRotate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		material, err := encryption.NewKey()
		if err != nil {
			writeError(w, err)
			return
		}

		rec, err := s.keys.Rotate(r.Context(), material)
		if err != nil {
			log.Error("rotate key failed", zap.Error(err))
			writeError(w, err)
			return
		}
		rec.Material = nil
		writeJSON(w, http.StatusCreated, rec)
	}
}

func (s *HttpServer) HandlePurge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, err := strconv.ParseUint(mux.Vars(r)["version"], 10, 32)
		if err != nil {
			writeError(w, fmt.Errorf("version: %v: %w", err, model.ErrBadRequest))
			return
		}

		if err := s.keys.Purge(r.Context(), uint32(version)); err != nil {
			if !errors.Is(err, model.ErrKeyUnavailable) {
				err = fmt.Errorf("%v: %w", err, model.ErrBadRequest)
			}
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit())
	err := json.NewDecoder(r.Body).Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return fmt.Errorf("request body over %d bytes: %w", tooLarge.Limit, model.ErrPayloadTooLarge)
	case err != nil:
		return fmt.Errorf("decode request: %v: %w", err, model.ErrBadRequest)
	}
	return nil
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.KindKeyUnavailable:
		return http.StatusGone
	case model.KindAuthenticationFailure:
		return http.StatusUnprocessableEntity
	case model.KindBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		log.Error("encryption request failed", zap.Error(err))
	}
	writeJSON(w, statusFor(kind), &model.RPCError{Error: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
