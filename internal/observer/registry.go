package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/metrics"
	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the part of a websocket connection the registry writes to.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Handle is one bound observer connection.
type Handle struct {
	callID string
	conn   Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (h *Handle) CallID() string { return h.callID }

func (h *Handle) write(data []byte, timeout time.Duration) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.closed.Load() {
		return websocket.ErrCloseSent
	}
	_ = h.conn.SetWriteDeadline(time.Now().Add(timeout))
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handle) close(code int, reason string, timeout time.Duration) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	_ = h.conn.Close()
}

// Registry maps call ids to at most one live observer.  It is safe for
// concurrent use; the most recent Bind for a call wins.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle

	writeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewRegistry returns an empty registry.  Writes to an observer give up
// after writeTimeout.
func NewRegistry(writeTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handles:      make(map[string]*Handle),
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// Bind makes conn the observer of callID.  A previously bound connection is
// closed.
func (r *Registry) Bind(callID string, conn Conn) *Handle {
	h := &Handle{callID: callID, conn: conn}

	r.mu.Lock()
	old := r.handles[callID]
	r.handles[callID] = h
	n := len(r.handles)
	r.mu.Unlock()

	r.metrics.SetObservers(n)
	if old != nil {
		old.close(websocket.CloseNormalClosure, "replaced by a newer observer", r.writeTimeout)
		r.logger.Info("observer replaced", zap.String("call_id", callID))
	} else {
		r.logger.Info("observer bound", zap.String("call_id", callID), zap.Int("observers", n))
	}
	return h
}

// Notify delivers msg to the observer of callID.  It reports whether the
// message was written; a failed write drops the stale handle.
func (r *Registry) Notify(callID string, msg pkg.ObserverMessage) bool {
	r.mu.RLock()
	h := r.handles[callID]
	r.mu.RUnlock()
	if h == nil {
		return false
	}
	if h.closed.Load() {
		r.Release(h)
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode observer message", zap.String("call_id", callID), zap.Error(err))
		return false
	}
	if err := h.write(data, r.writeTimeout); err != nil {
		r.logger.Warn("observer write failed, dropping observer", zap.String("call_id", callID), zap.Error(err))
		r.Release(h)
		h.close(websocket.CloseGoingAway, "", r.writeTimeout)
		return false
	}
	return true
}

// Unbind removes and closes the observer of callID, if any.
func (r *Registry) Unbind(callID string) {
	r.mu.Lock()
	h := r.handles[callID]
	delete(r.handles, callID)
	n := len(r.handles)
	r.mu.Unlock()

	r.metrics.SetObservers(n)
	if h != nil {
		h.close(websocket.CloseNormalClosure, "", r.writeTimeout)
	}
}

// Release removes h if it is still the current observer of its call.  It is
// called when a connection tears down on its own.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.handles[h.callID]; ok && cur == h {
		delete(r.handles, h.callID)
	}
	n := len(r.handles)
	r.mu.Unlock()
	r.metrics.SetObservers(n)
}

// Count returns the number of bound observers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes every observer, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	r.metrics.SetObservers(0)
	for _, h := range handles {
		h.close(websocket.CloseGoingAway, "server shutting down", r.writeTimeout)
	}
}
