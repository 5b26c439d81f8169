package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a full-duplex, ordered, message-framed channel. Reads return a
// *CloseError when the peer closed the connection, so callers can tell a
// clean shutdown from an abnormal drop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens the underlying transport.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// CloseError discriminates clean peer closes from abnormal ones.
type CloseError struct {
	Code   int
	Clean  bool
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewWebsocketDialer(writeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer:       websocket.DefaultDialer,
		writeTimeout: writeTimeout,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			clean := closeErr.Code == websocket.CloseNormalClosure ||
				closeErr.Code == websocket.CloseGoingAway
			return nil, &CloseError{Code: closeErr.Code, Clean: clean, Reason: closeErr.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
