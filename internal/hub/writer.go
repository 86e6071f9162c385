package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/taskpulse/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

var (
	// ErrBufferFull is returned when a client's send buffer is full.
	// The hub treats it as a delivery failure and evicts the client.
	ErrBufferFull = errors.New("send buffer full")
	// ErrClosed is returned when enqueueing onto a stopped client.
	ErrClosed = errors.New("client closed")
)

// Client is a gorilla/websocket-backed connection handle. One writer
// goroutine per connection drains the send channel, so concurrent
// broadcasts never write to the socket directly.
type Client struct {
	id          string
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewClient wraps a websocket connection and starts its writer goroutine.
func NewClient(id string, connection *websocket.Conn, clock clockwork.Clock) *Client {
	c := &Client{
		id:          id,
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// ID returns the opaque connection id.
func (c *Client) ID() string {
	return c.id
}

// Enqueue hands a frame to the writer goroutine without blocking.
func (c *Client) Enqueue(frame []byte) error {
	select {
	case <-c.doneChannel:
		return ErrClosed
	default:
	}

	select {
	case c.sendChannel <- frame:
		return nil
	case <-c.doneChannel:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close stops the writer and closes the underlying socket.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		_ = c.connection.Close()
	})
	c.wg.Wait()
}

// CloseGraceful sends a close frame with reason before closing the socket.
func (c *Client) CloseGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneChannel)

		// Wait for the writer goroutine to exit before writing the close
		// frame; gorilla connections do not allow concurrent writers.
		c.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.connection.Close()
	})
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		select {
		case frame, ok := <-c.sendChannel:
			if !ok {
				return
			}
			start := c.clock.Now()
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			metrics.MessageSendDuration.Observe(c.clock.Since(start).Seconds())
		case <-c.doneChannel:
			return
		}
	}
}

func (c *Client) updateWriteDeadline() {
	_ = c.connection.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}
