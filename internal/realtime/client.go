package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"home-sentinel/internal/jsonrpc"
)

// Conn is a JSON-RPC client over a websocket connection to a Server.
type Conn struct {
	*jsonrpc.Client

	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// Dial connects to the websocket endpoint at url (e.g. ws://host:3001/ws).
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{ws: ws, done: make(chan struct{})}
	c.Client = jsonrpc.NewClient(c.write)
	go c.readLoop()
	return c, nil
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.Client.Close()
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.Client.HandleMessage(message)
	}
}

// Done is closed when the connection has dropped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the connection down. Pending calls
// fail with jsonrpc.ErrClientClosed.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done
	return err
}
