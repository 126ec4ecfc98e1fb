package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// sendBufferSize bounds queued events before a client counts as slow
	sendBufferSize = 256
)

// Client is one subscriber connection. The stream is server to client only;
// anything the peer sends is discarded.
type Client struct {
	id      string
	topic   string
	subject string
	conn    *websocket.Conn
	hub     *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection for subject following topic
func NewClient(conn *websocket.Conn, topic, subject string, hub *Hub) *Client {
	return &Client{
		id:      uuid.New().String(),
		topic:   topic,
		subject: subject,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// Topic returns the loan id the client follows, or AllLoans
func (c *Client) Topic() string { return c.topic }

// Send queues data without blocking
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSlowClient
	}
}

// Close disconnects the client. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Serve registers the client and pumps events until the peer goes away.
// It blocks for the lifetime of the connection.
func (c *Client) Serve() {
	c.hub.Register(c)
	defer func() {
		c.hub.Unregister(c)
		_ = c.Close()
	}()

	go c.writeLoop()
	c.readLoop()
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.id).Str("subject", c.subject).Msg("WebSocket closed unexpectedly")
			}
			return
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Str("topic", c.topic).Msg("WebSocket write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
