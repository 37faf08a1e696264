package stream

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rate-stream/internal/logging"
)

// Handler upgrades HTTP requests to websocket sessions registered with a Broadcaster.
type Handler struct {
	broadcaster *Broadcaster
	sendBuffer  int
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(b *Broadcaster, sendBuffer int, logger *zap.Logger) *Handler {
	return &Handler{
		broadcaster: b,
		sendBuffer:  sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.OrNop(logger).Named("ws"),
	}
}

// ServeHTTP runs one session for its whole lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	session := NewWSConn(uuid.NewString(), conn, h.sendBuffer, h.logger)
	h.broadcaster.RegisterSession(session)
	h.logger.Info("client connected", zap.String("session", session.ID()), zap.String("remote", r.RemoteAddr))

	go session.WritePump()
	session.ReadPump(func(pairs []string) {
		h.broadcaster.UpdateSubscriptions(session.ID(), pairs)
	})

	h.broadcaster.RemoveSession(session.ID())
	h.logger.Info("client disconnected", zap.String("session", session.ID()))
}
