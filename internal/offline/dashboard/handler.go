package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
)

// Handler turns coordinator and connectivity events into dashboard messages.
// Register OnSummary with Coordinator.Subscribe and OnConnectivity with the
// connectivity provider.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, logger: logger}
}

// OnSummary broadcasts a drain summary followed by fresh queue counts.
func (h *Handler) OnSummary(s syncer.Summary) {
	h.broadcast(MessageTypeSummary, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := h.server.statsMessage(ctx)
	if err != nil {
		h.logger.Warn("failed to read queue stats", zap.Error(err))
		return
	}
	h.server.Broadcast(msg)
}

// OnConnectivity broadcasts an online/offline transition.
func (h *Handler) OnConnectivity(online bool) {
	h.broadcast(MessageTypeConnectivity, ConnectivityData{Online: online})
}

func (h *Handler) broadcast(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
