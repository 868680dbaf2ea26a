// Package handlers contains the handlers for the API
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/api/middleware"
	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamAuthTimeout  = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// auth happens via JWT, not origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamRequest is an inbound control message from a stream client
type streamRequest struct {
	Action string   `json:"action"` // auth | subscribe | unsubscribe
	Token  string   `json:"token,omitempty"`
	Tokens []uint32 `json:"tokens,omitempty"`
	Mode   string   `json:"mode,omitempty"`
}

// tickFrame is the outbound envelope for one tick
type tickFrame struct {
	Type  string       `json:"type"`
	Token uint32       `json:"token"`
	TS    int64        `json:"ts"`
	Mode  string       `json:"mode"`
	Data  *models.Tick `json:"data"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// StreamHandler serves the downstream tick WebSocket. Each client owns
// a token set; the bus subscription filters on it and the reconciler
// aggregates the demand upstream.
type StreamHandler struct {
	bus        *service.TickBus
	reconciler *service.Reconciler
	metrics    *metrics.Registry
	jwtSecret  string
}

// NewStreamHandler creates a new handler for the stream API
func NewStreamHandler(bus *service.TickBus, reconciler *service.Reconciler, m *metrics.Registry, jwtSecret string) *StreamHandler {
	return &StreamHandler{bus: bus, reconciler: reconciler, metrics: m, jwtSecret: jwtSecret}
}

// streamClient is one connected consumer
type streamClient struct {
	id   string
	conn *websocket.Conn

	mu      sync.Mutex
	tokens  map[uint32]bool
	writeMu sync.Mutex
}

func (cl *streamClient) wants(token uint32) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.tokens[token]
}

func (cl *streamClient) writeJSON(v interface{}) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	cl.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return cl.conn.WriteJSON(v)
}

func (cl *streamClient) writeError(kind, detail string) {
	cl.writeJSON(errorFrame{Type: "error", Kind: kind, Detail: detail})
}

// ServeStream upgrades the connection and pumps ticks until the client
// goes away. Auth is a JWT, either as the `token` query parameter or as
// the first message {"action":"auth","token":"..."}.
func (h *StreamHandler) ServeStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &streamClient{
		id:     uuid.NewString(),
		conn:   conn,
		tokens: make(map[uint32]bool),
	}
	defer conn.Close()

	if err := h.authenticate(c, client); err != nil {
		client.writeError("TokenException", "authentication failed")
		// mirror the broker's own rejection signal: policy-violation
		// close so clients can tell bad credentials from a dropped link
		client.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(streamWriteTimeout))
		client.writeMu.Unlock()
		return nil
	}

	h.metrics.StreamClients.Inc()
	zaplogger.Info("stream client connected", zaplogger.Fields{"client": client.id})
	defer func() {
		h.metrics.StreamClients.Dec()
		zaplogger.Info("stream client disconnected", zaplogger.Fields{"client": client.id})
	}()

	sub := h.bus.Subscribe("stream:"+client.id, func(tk models.Tick) bool {
		return client.wants(tk.Token)
	})
	defer func() {
		h.bus.Unsubscribe(sub)
		h.reconciler.DropOwner(client.id)
	}()

	done := make(chan struct{})
	go h.readLoop(client, done)

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ping.C:
			client.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
			client.writeMu.Unlock()
			if err != nil {
				return nil
			}
		case tick, ok := <-sub.C():
			if !ok {
				return nil
			}
			frame := tickFrame{
				Type:  "tick",
				Token: tick.Token,
				TS:    tick.Timestamp,
				Mode:  tick.Mode,
				Data:  &tick,
			}
			if err := client.writeJSON(frame); err != nil {
				return nil
			}
		}
	}
}

// authenticate validates the query-parameter token, or waits for an
// auth message when none was given
func (h *StreamHandler) authenticate(c echo.Context, client *streamClient) error {
	if token := c.QueryParam("token"); token != "" {
		_, err := middleware.VerifyJWT(h.jwtSecret, token)
		return err
	}

	client.conn.SetReadDeadline(time.Now().Add(streamAuthTimeout))
	var req streamRequest
	if err := client.conn.ReadJSON(&req); err != nil {
		return err
	}
	client.conn.SetReadDeadline(time.Time{})
	if req.Action != "auth" {
		return websocket.ErrBadHandshake
	}
	_, err := middleware.VerifyJWT(h.jwtSecret, req.Token)
	return err
}

// readLoop handles subscribe/unsubscribe requests until the socket closes
func (h *StreamHandler) readLoop(client *streamClient, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var req streamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.writeError("InputException", "malformed request")
			continue
		}
		switch req.Action {
		case "subscribe":
			mode := req.Mode
			if mode == "" {
				mode = models.ModeQuote
			}
			if models.ModeRank(mode) == 0 {
				client.writeError("InputException", "mode must be LTP, QUOTE or FULL")
				continue
			}
			if len(req.Tokens) == 0 {
				client.writeError("InputException", "tokens is required")
				continue
			}
			client.mu.Lock()
			for _, token := range req.Tokens {
				client.tokens[token] = true
			}
			client.mu.Unlock()
			h.reconciler.Want(client.id, req.Tokens, mode)
		case "unsubscribe":
			client.mu.Lock()
			for _, token := range req.Tokens {
				delete(client.tokens, token)
			}
			client.mu.Unlock()
			h.reconciler.Unwant(client.id, req.Tokens)
		case "auth":
			// already authenticated, ignore
		default:
			client.writeError("InputException", "unknown action")
		}
	}
}
