package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

type hubState int32

const (
	hubStopped hubState = iota
	hubStarting
	hubRunning
	hubStopping
	hubReconnecting
)

// PushHub holds one websocket connection to the push gateway and publishes
// notifications over it. The gateway fans out to devices; this side only
// keeps the connection alive and writes messages.
type PushHub struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         types.Logger
	metrics        types.MetricsManager
	url            string
	conn           *websocket.Conn
	connMu         sync.RWMutex
	send           chan []byte
	state          atomic.Value
	reconnectDelay time.Duration
	writeWait      time.Duration
	pingInterval   time.Duration
	wg             sync.WaitGroup
}

type pushMessage struct {
	Event     string                 `json:"event"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type PushPayload struct {
	Event   string `json:"event"`
	OrderID string `json:"order_id,omitempty"`
}

func NewPushHub(config *types.NotifyConfig, logger types.Logger, metrics types.MetricsManager) *PushHub {
	ctx, cancel := context.WithCancel(context.Background())

	hub := &PushHub{
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		metrics:        metrics,
		url:            config.GatewayURL,
		send:           make(chan []byte, 256),
		reconnectDelay: 5 * time.Second,
		writeWait:      10 * time.Second,
		pingInterval:   54 * time.Second,
	}
	hub.state.Store(hubStopped)
	return hub
}

func (h *PushHub) Start() error {
	if !h.transitionState(hubStopped, hubStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if h.getState() == hubStarting {
			h.setState(hubRunning)
		}
	}()

	if err := h.connect(); err != nil {
		// Push is best effort; start degraded and let the write loop
		// reconnect.
		h.logger.Warn("push gateway unreachable at startup", zap.Error(err))
	}

	h.wg.Add(1)
	go h.writeLoop()

	h.logger.Info("Push hub started", zap.String("url", h.url))
	return nil
}

func (h *PushHub) Stop() error {
	if !h.transitionState(hubRunning, hubStopping) &&
		!h.transitionState(hubReconnecting, hubStopping) {
		return types.ErrServerNotRunning
	}

	defer h.setState(hubStopped)

	h.cancel()
	h.wg.Wait()

	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err := h.conn.Close(); err != nil {
			h.logger.Warn("push connection close failed", zap.Error(err))
		}
		h.conn = nil
	}

	h.logger.Info("Push hub stopped gracefully")
	return nil
}

func (h *PushHub) IsRunning() bool {
	return h.getState() == hubRunning
}

// SendPushHandler is the send_push job handler. A full send buffer fails the
// attempt and lets the queue retry later instead of blocking a worker.
func (h *PushHub) SendPushHandler(ctx context.Context, job *types.Job) error {
	var payload PushPayload
	if err := utils.Unmarshal(job.Payload, &payload); err != nil {
		return types.WrapError(err, "decode push payload")
	}

	encoded, err := utils.Marshal(&pushMessage{
		Event:     payload.Event,
		Timestamp: time.Now().Unix(),
		Data:      map[string]interface{}{"order_id": payload.OrderID},
	})
	if err != nil {
		return types.WrapError(err, "encode push message")
	}

	select {
	case h.send <- encoded:
		h.metrics.Counter("push_queued_total", map[string]string{"event": payload.Event}).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return types.Errorf(types.ErrPushHubStopped, "send buffer full")
	}
}

func (h *PushHub) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(h.ctx, h.url, nil)
	if err != nil {
		return types.WrapError(err, "dial push gateway")
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()
	return nil
}

func (h *PushHub) writeLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case message := <-h.send:
			if err := h.write(websocket.TextMessage, message); err != nil {
				h.logger.Warn("push write failed", zap.Error(err))
				h.metrics.Counter("push_dropped_total", nil).Inc()
				h.reconnect()
			}
		case <-ticker.C:
			if err := h.write(websocket.PingMessage, nil); err != nil {
				h.reconnect()
			}
		}
	}
}

func (h *PushHub) write(messageType int, payload []byte) error {
	h.connMu.RLock()
	conn := h.conn
	h.connMu.RUnlock()

	if conn == nil {
		return types.ErrPushHubStopped
	}

	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (h *PushHub) reconnect() {
	if !h.transitionState(hubRunning, hubReconnecting) {
		return
	}
	defer h.transitionState(hubReconnecting, hubRunning)

	h.connMu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.connMu.Unlock()

	select {
	case <-h.ctx.Done():
		return
	case <-time.After(h.reconnectDelay):
	}

	if err := h.connect(); err != nil {
		h.logger.Warn("push reconnect failed", zap.Error(err))
	}
}

func (h *PushHub) getState() hubState {
	return h.state.Load().(hubState)
}

func (h *PushHub) setState(newState hubState) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *PushHub) transitionState(from, to hubState) bool {
	return h.state.CompareAndSwap(from, to)
}
