package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"edgerelay/internal/version"

	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsReadLimit       = maxReplyBytes
)

var ErrSessionClosed = errors.New("session closed")

// Upgrader is shared by the inbound websocket endpoint and tests.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  wsReadBufferSize,
	WriteBufferSize: wsWriteBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSDialer struct {
	dialer *websocket.Dialer
}

func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
	}}
}

// Dial opens a websocket session to endpoint, rewriting http(s) to ws(s).
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (*WSConn, error) {
	target, err := WebSocketURL(endpoint)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewWSConn(conn), nil
}

// WSConn is one websocket session carrying envelopes as text frames.
// Writes are serialized; a single goroutine may call Read.
type WSConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(wsReadLimit)
	return &WSConn{conn: conn, closed: make(chan struct{})}
}

func (c *WSConn) Write(ctx context.Context, envelope []byte) error {
	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, envelope)
}

// Read blocks for the next data frame. Control frames are handled inside.
func (c *WSConn) Read() ([]byte, error) {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrSessionClosed
			default:
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// Ping sends a ping control frame. The pong arrives through the handler
// installed with SetPongHandler while Read is running.
func (c *WSConn) Ping(ctx context.Context) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, writeDeadline(ctx))
}

func (c *WSConn) SetPongHandler(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		if fn != nil {
			fn()
		}
		return nil
	})
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) Done() <-chan struct{} {
	return c.closed
}

func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(wsWriteTimeout)
	if ctx == nil {
		return deadline
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
