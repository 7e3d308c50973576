package channel

import (
	"context"
	"net/http"
	"sync"

	gorilla "github.com/gorilla/websocket"
)

// Transport is the framed bidirectional connection the client runs on.
// The production implementation wraps a gorilla WebSocket connection;
// tests substitute an in-memory pipe.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes a Transport. The header carries the bearer
// credential for the session.
type Dialer func(ctx context.Context, url string, header http.Header) (Transport, error)

// DefaultDialer is the gorilla dialer used by the channel client, with
// compression enabled as for the rest of the API surface.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// GorillaDialer dials a WebSocket using DefaultDialer.
func GorillaDialer(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, res, err := DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return &gorillaTransport{conn: conn}, nil
}

type gorillaTransport struct {
	conn    *gorilla.Conn
	writeMu sync.Mutex
}

func (t *gorillaTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *gorillaTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(gorilla.TextMessage, data)
}

func (t *gorillaTransport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	// Best effort close handshake; the connection is torn down regardless.
	_ = t.conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	return t.conn.Close()
}
