package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chat_relay/internal/metrics"
	"chat_relay/internal/model"
	"chat_relay/internal/service/broadcast"
	"chat_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	ServerOptions struct {
		Addr          string
		QueueSize     int
		WriteTimeout  time.Duration
		MaxFrameBytes int64
	}

	HttpServer struct {
		gateway *Gateway
		hub     *broadcast.Hub
		opts    ServerOptions
	}
)

func NewHttpServer(gw *Gateway, hub *broadcast.Hub, opts ServerOptions) *HttpServer {
	return &HttpServer{
		gateway: gw,
		hub:     hub,
		opts:    opts,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then closes every session.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.hub.Close()
		return err
	}
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		session := broadcast.NewSession(userID, conn, s.opts.QueueSize, s.opts.WriteTimeout)
		if err := s.hub.Register(session); err != nil {
			if errors.Is(err, broadcast.ErrDuplicateUser) {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated userID"))
			}
			conn.Close()
			return
		}

		go s.processWSMessage(session, conn)
	}
}

func (s *HttpServer) processWSMessage(session *broadcast.Session, conn *websocket.Conn) {
	if s.opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.opts.MaxFrameBytes)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.String("session", session.ID), zap.Error(err))
			s.hub.Unregister(session.ID)
			s.gateway.Disconnect(session)
			break
		}

		var message model.InboundMessage
		if err := json.Unmarshal(data, &message); err != nil {
			log.Error("Unmarshal message failed", zap.String("session", session.ID), zap.Error(err))
			continue
		}
		if message.Message == "" {
			continue
		}

		s.gateway.Submit(session, []byte(message.Message))
	}
}
