package observer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrMissingCallID is returned when an observer connects without a call id.
var ErrMissingCallID = errors.New("callId is required")

// CallIDParam names both the query parameter and the connection attribute
// carrying the call id.
const CallIDParam = "callId"

type callIDKey struct{}

// WithCallID attaches a call id to the connection's request context.  It is
// consulted when the query string carries none.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromRequest extracts the call id of an observer connection: first
// the callId query parameter, then the connection attribute.
func CallIDFromRequest(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get(CallIDParam)); id != "" {
		return id, nil
	}
	if id, ok := r.Context().Value(callIDKey{}).(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	return "", ErrMissingCallID
}

// Handler upgrades observer connections and binds them to their call.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler serves observer websocket connections bound through registry.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("observer upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	callID, err := CallIDFromRequest(r)
	if err != nil {
		h.logger.Warn("observer rejected", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, err.Error()),
			time.Now().Add(2*time.Second))
		return
	}

	handle := h.registry.Bind(callID, conn)
	defer h.registry.Release(handle)

	// Observers only listen; reading keeps control frames flowing and
	// detects the disconnect.
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("observer read ended", zap.String("call_id", callID), zap.Error(err))
			}
			break
		}
	}
	h.logger.Info("observer disconnected", zap.String("call_id", callID))
}
