package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by transports once the peer has
// disconnected. It ends the session cleanly rather than as a failure.
var ErrTransportClosed = errors.New("transport closed")

// Frame is one inbound client frame. Binary frames carry file uploads;
// everything else is text.
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is the duplex connection to one client. Reads block until a
// frame arrives or the connection dies; writes serialize JSON frames.
// ReadFrame and WriteJSON may be called from different goroutines, but
// each from at most one at a time.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteJSON(v any) error
	Close() error
}

// IsCloseErr reports whether err means the peer is gone, as opposed to
// a real failure.
func IsCloseErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// wsTransport adapts a gorilla websocket connection.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an upgraded websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() (Frame, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return Frame{}, ErrTransportClosed
			}
			return Frame{}, fmt.Errorf("read frame: %w", err)
		}
		switch msgType {
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		default:
			// ping/pong handled by gorilla internally
		}
	}
}

func (t *wsTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
