package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowmirror/internal/auth"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/metrics"
	"github.com/mbd888/escrowmirror/internal/validation"
)

// MaxClients is the maximum number of concurrent stream connections.
const MaxClients = 10000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Handler serves GET /escrows/:id/stream.
type Handler struct {
	streamer   *Streamer
	clients    atomic.Int64
	maxClients int64
}

// NewHandler creates a stream handler.
func NewHandler(s *Streamer) *Handler {
	return &Handler{streamer: s, maxClients: MaxClients}
}

// RegisterRoutes mounts the stream route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/stream", validation.EscrowParamMiddleware(), h.Stream)
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int64 { return h.clients.Load() }

// Stream upgrades the request and runs a view stream for the caller.
func (h *Handler) Stream(c *gin.Context) {
	if h.clients.Add(1) > h.maxClients {
		h.clients.Add(-1)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "too_many_connections",
			"message": "Stream connection limit reached",
		})
		return
	}
	defer h.clients.Add(-1)

	id := validation.SanitizeAddress(c.Param("id"))
	identity := auth.GetAuthenticatedAgent(c)
	log := logging.L(c.Request.Context()).With("escrow", id)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	// The request context is not cancelled when a hijacked connection drops;
	// the read pump does that.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	go readPump(conn, cancel)
	go pingPump(ctx, conn)

	sink := &wsSink{conn: conn}
	if err := h.streamer.Run(ctx, sink, id, identity); err != nil {
		log.Info("stream ended", "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// wsSink writes frames as JSON text messages. Only Run writes data frames,
// so no lock is needed; pings go through WriteControl.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump discards client messages and cancels the stream when the
// connection closes.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logging.L(context.Background()).Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
