package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close code the broker sends when the access token is rejected.
const CloseCodePolicyViolation = websocket.ClosePolicyViolation // 1008

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second

	// MaxSubscribeBatch caps tokens per control message.
	MaxSubscribeBatch = 500
)

// control message actions understood by the broker socket
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
)

type controlMessage struct {
	A string        `json:"a"`
	V []interface{} `json:"v"`
}

// ErrAuthRejected is returned by Serve when the broker closes the
// socket with the policy-violation code, meaning the access token was
// not accepted.
type ErrAuthRejected struct {
	Code   int
	Reason string
}

func (e *ErrAuthRejected) Error() string {
	return fmt.Sprintf("auth rejected by broker: close %d %s", e.Code, e.Reason)
}

// Client is one upstream market-data WebSocket connection. A single
// caller goroutine owns Serve; control writes are serialized through a
// mutex. The client does not reconnect by itself: the session
// orchestrator owns the retry state machine.
type Client struct {
	wsURL       string
	accessToken string

	connMu sync.Mutex
	conn   *websocket.Conn

	onBinary  func(frame []byte, received time.Time)
	onConnect func()
}

// NewClient creates an upstream client for the given socket URL and
// access token. The token is presented as a query parameter on dial.
func NewClient(wsURL, accessToken string) *Client {
	return &Client{wsURL: wsURL, accessToken: accessToken}
}

// OnBinary registers the inbound frame callback. Must be set before Serve.
func (c *Client) OnBinary(fn func(frame []byte, received time.Time)) { c.onBinary = fn }

// OnConnect registers the connected callback. Must be set before Serve.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// Serve dials the socket and runs the read loop until the connection
// drops or ctx is cancelled. It returns *ErrAuthRejected when the
// broker refuses the token, ctx.Err() on cancellation, and the
// transport error otherwise.
func (c *Client) Serve(ctx context.Context) error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return fmt.Errorf("bad upstream url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", c.accessToken)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.close()

	if c.onConnect != nil {
		c.onConnect()
	}

	// cancellation unblocks the blocking read below
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go c.pingLoop(ctx, conn)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code == CloseCodePolicyViolation {
				return &ErrAuthRejected{Code: ce.Code, Reason: ce.Text}
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType == websocket.BinaryMessage && c.onBinary != nil {
			c.onBinary(data, time.Now())
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) writeControl(msg controlMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func tokenValues(tokens []uint32) []interface{} {
	v := make([]interface{}, len(tokens))
	for i, t := range tokens {
		v[i] = t
	}
	return v
}

// Subscribe sends subscribe control messages, batched at MaxSubscribeBatch
func (c *Client) Subscribe(tokens []uint32) error {
	for start := 0; start < len(tokens); start += MaxSubscribeBatch {
		end := start + MaxSubscribeBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := c.writeControl(controlMessage{A: actionSubscribe, V: tokenValues(tokens[start:end])}); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe sends unsubscribe control messages, batched
func (c *Client) Unsubscribe(tokens []uint32) error {
	for start := 0; start < len(tokens); start += MaxSubscribeBatch {
		end := start + MaxSubscribeBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := c.writeControl(controlMessage{A: actionUnsubscribe, V: tokenValues(tokens[start:end])}); err != nil {
			return err
		}
	}
	return nil
}

// SetMode sets the data tier for the given tokens, batched. The wire
// form is {"a":"mode","v":[mode,[tokens...]]}.
func (c *Client) SetMode(mode string, tokens []uint32) error {
	wireMode := map[string]string{"LTP": "ltp", "QUOTE": "quote", "FULL": "full"}[mode]
	if wireMode == "" {
		return fmt.Errorf("unknown mode %q", mode)
	}
	for start := 0; start < len(tokens); start += MaxSubscribeBatch {
		end := start + MaxSubscribeBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := c.writeControl(controlMessage{A: actionMode, V: []interface{}{wireMode, tokens[start:end]}}); err != nil {
			return err
		}
	}
	return nil
}
