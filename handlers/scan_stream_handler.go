package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nirmalramchandani/barcode/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types on the live scan channel.
const (
	MessageTypeScan       = "scan"
	MessageTypeScanResult = "scan_result"
	MessageTypeError      = "error"
)

// Live scan channel limits used when StreamConfig leaves them unset.
const (
	DefaultStreamMaxMessageBytes int64 = 4096
	DefaultStreamIdleTimeout           = 60 * time.Second
	DefaultStreamPingInterval          = 54 * time.Second

	streamWriteWait = 10 * time.Second
)

type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type scanRequest struct {
	Barcode string `json:"barcode"`
}

type streamReply struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ScanStreamHandler serves the websocket used by continuously scanning clients.
// Each "scan" message triggers one lookup; replies carry the same body as GET /scan/:barcode.
// A client that sends a message larger than MaxMessageBytes, or stays silent (no message, no pong)
// for IdleTimeout, is disconnected.
type ScanStreamHandler struct {
	products ProductLookup
	upgrader websocket.Upgrader
	config   StreamConfig
	log      *zap.Logger
}

func NewScanStreamHandler(products ProductLookup, allowedOrigins []string, config StreamConfig, log *zap.Logger) *ScanStreamHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &ScanStreamHandler{
		products: products,
		config:   config.withDefaults(),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Stream upgrades the connection and answers scan messages until the client goes away.
func (h *ScanStreamHandler) Stream(c *gin.Context) {
	log := logger.FromContext(c, h.log)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log = log.With(zap.String("conn_id", uuid.NewString()))
	log.Debug("scan stream opened")
	ctx := c.Request.Context()

	conn.SetReadLimit(h.config.MaxMessageBytes)
	h.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendReadDeadline(conn)
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(conn, done, log)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				log.Warn("scan stream message too large", zap.Int64("limit", h.config.MaxMessageBytes))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Warn("scan stream read failed", zap.Error(err))
			default:
				log.Debug("scan stream closed", zap.Error(err))
			}
			return
		}
		h.extendReadDeadline(conn)

		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.sendError(conn, log, "Invalid message format")
			continue
		}

		switch msg.Type {
		case MessageTypeScan:
			var req scanRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || strings.TrimSpace(req.Barcode) == "" {
				h.sendError(conn, log, "Missing barcode")
				continue
			}

			outcome := h.products.Lookup(ctx, req.Barcode)
			logOutcome(log, req.Barcode, outcome)

			_, body := outcome.Result()
			h.send(conn, log, streamReply{
				Type: MessageTypeScanResult,
				ID:   uuid.NewString(),
				Data: body,
			})
		default:
			h.sendError(conn, log, "Unknown message type")
		}
	}
}

func (h *ScanStreamHandler) extendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))
}

// keepAlive pings the client until done is closed or a ping cannot be written.
func (h *ScanStreamHandler) keepAlive(conn *websocket.Conn, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				log.Debug("scan stream ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *ScanStreamHandler) send(conn *websocket.Conn, log *zap.Logger, reply streamReply) {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(reply); err != nil {
		log.Warn("scan stream write failed", zap.String("type", reply.Type), zap.Error(err))
	}
}

func (h *ScanStreamHandler) sendError(conn *websocket.Conn, log *zap.Logger, message string) {
	h.send(conn, log, streamReply{Type: MessageTypeError, Message: message})
}
