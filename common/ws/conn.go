package ws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps *websocket.Conn with the small surface the server and agent
// need. All writes are serialized: gorilla panics on concurrent writes.
type Conn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to a ws/wss URL and returns the wrapped Conn plus the HTTP
// handshake response. tlsCfg may be nil.
func Dial(urlStr string, reqHeader http.Header, tlsCfg *tls.Config, handshakeTimeout time.Duration) (*Conn, *http.Response, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, nil, fmt.Errorf("URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout, TLSClientConfig: tlsCfg}
	c, resp, err := dialer.Dial(parsed.String(), reqHeader)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// UpgradeHTTP upgrades an incoming HTTP request to a websocket Conn.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// ReadMessage reads one text message and returns the raw bytes.
func (cw *Conn) ReadMessage() ([]byte, error) {
	if cw == nil || cw.c == nil {
		return nil, errors.New("websocket: connection is closed")
	}
	_, msg, err := cw.c.ReadMessage()
	return msg, err
}

// WriteMessage marshals and writes a bus Message with a write deadline.
func (cw *Conn) WriteMessage(msg *Message, timeout time.Duration) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	return cw.WriteRaw(payload, timeout)
}

// WriteRaw writes raw bytes as a text message.
func (cw *Conn) WriteRaw(b []byte, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.TextMessage, b)
}

// WritePing sends a ping control frame.
func (cw *Conn) WritePing(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.PingMessage, nil)
}

// WriteClose sends a close control frame with the given code and reason.
// The server uses this to tell a displaced session why it is going away.
func (cw *Conn) WriteClose(code int, reason string, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// Close closes the underlying connection.
func (cw *Conn) Close() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	return cw.c.Close()
}

// SetReadDeadline sets the read deadline on the underlying conn.
func (cw *Conn) SetReadDeadline(t time.Time) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	return cw.c.SetReadDeadline(t)
}

// SetPongHandler sets the pong handler.
func (cw *Conn) SetPongHandler(h func(string) error) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetPongHandler(h)
}

// RemoteAddr returns the remote address if available.
func (cw *Conn) RemoteAddr() string {
	if cw == nil || cw.c == nil || cw.c.RemoteAddr() == nil {
		return ""
	}
	return cw.c.RemoteAddr().String()
}

// Close codes reused from gorilla.
const (
	CloseNormalClosure   = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// CloseReasonDisplaced is the close reason sent to an old session when a new
// authenticated connect for the same device id replaces it.
const CloseReasonDisplaced = "displaced"

// IsUnexpectedCloseError reports whether err is a close error outside the
// expected set.
func IsUnexpectedCloseError(err error, codes ...int) bool {
	return websocket.IsUnexpectedCloseError(err, codes...)
}
