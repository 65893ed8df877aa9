package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/op/go-logging"
)

// ErrClosed is returned by a client whose connection has gone away.
var ErrClosed = errors.New("channel closed")

// Client is the foreground side of the channel.
type Client struct {
	conn *websocket.Conn
	log  *logging.Logger

	incoming chan Message

	mu      sync.Mutex
	waiters map[string]chan Message
	closed  bool

	done chan struct{}
}

// Dial connects to a hub at url (ws://host:port/ws).
func Dial(ctx context.Context, url string, log *logging.Logger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		log:      logger.OrDefault(log),
		incoming: make(chan Message, 64),
		waiters:  make(map[string]chan Message),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages returns unsolicited messages from the hub. The channel is closed
// when the connection ends.
func (c *Client) Messages() <-chan Message {
	return c.incoming
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send writes a message of the given type.
func (c *Client) Send(ctx context.Context, typ Type, data interface{}) error {
	msg, err := New(typ, data)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// Request sends a message and waits for the reply correlated to it.
func (c *Client) Request(ctx context.Context, typ Type, data interface{}) (Message, error) {
	msg, err := New(typ, data)
	if err != nil {
		return Message{}, err
	}

	reply := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	c.waiters[msg.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return Message{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, fmt.Errorf("waiting for reply to %s: %w", typ, ctx.Err())
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) write(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.incoming)
	}()

	for {
		var msg Message
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			return
		}

		if msg.ReplyTo != "" {
			c.mu.Lock()
			w, ok := c.waiters[msg.ReplyTo]
			c.mu.Unlock()
			if ok {
				w <- msg
				continue
			}
		}

		select {
		case c.incoming <- msg:
		case <-time.After(time.Second):
			c.log.Warningf("Dropping %s: receiver is not reading", msg.Type)
		}
	}
}
