package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/service"
)

func newStreamTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	m, _ := metrics.NewRegistry()
	bus := service.NewTickBus(16, m)
	reconciler := service.NewReconciler(0, 0, m)
	h := NewStreamHandler(bus, reconciler, m, "stream-test-secret")

	e := echo.New()
	e.GET("/api/stream/ws", h.ServeStream)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamRejectsBadTokenWithPolicyViolationClose(t *testing.T) {
	srv := newStreamTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream/ws?token=not-a-jwt"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// first frame is the error envelope
	var errFrame struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("error frame read failed: %v", err)
	}
	if errFrame.Type != "error" || errFrame.Kind != "TokenException" {
		t.Errorf("error frame = %+v, want type=error kind=TokenException", errFrame)
	}

	// then the socket closes with the policy-violation code
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("read after rejection = %v, want close %d", err, websocket.ClosePolicyViolation)
	}
}
