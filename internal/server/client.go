package server

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/npezzotti/go-callroom/internal/call"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. Its read pump dispatches inbound
// events to the CallServer; its write pump drains the buffered send channel,
// which is what gives per sender->target in-order delivery.
type Client struct {
	connId      string
	userId      string
	displayName string
	conn        *websocket.Conn
	server      *CallServer
	log         *log.Logger
	send        chan *call.ServerMessage
	stop        chan struct{}
	stopOnce    sync.Once
}

func newClient(connId, userId, displayName string, conn *websocket.Conn, cs *CallServer, l *log.Logger) *Client {
	return &Client{
		connId:      connId,
		userId:      userId,
		displayName: displayName,
		conn:        conn,
		server:      cs,
		log:         l,
		send:        make(chan *call.ServerMessage, 256),
		stop:        make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.server.touch(c)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg call.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(call.ErrInvalidMessage(-1))
			continue
		}

		msg.UserId = c.userId
		msg.ConnId = c.connId
		msg.Timestamp = call.Now()

		c.server.handleMessage(c, &msg)
	}
}

// queueMessage enqueues without blocking; a full buffer drops the message.
// Used for responses where the read pump must never stall.
func (c *Client) queueMessage(msg *call.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full on connection %q, dropping message", c.connId)
		return false
	}

	return true
}

// deliver enqueues with a bounded wait; used by the router so one slow
// recipient fails its own delivery instead of stalling the room.
func (c *Client) deliver(msg *call.ServerMessage, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case c.send <- msg:
		return nil
	case <-c.stop:
		return fmt.Errorf("connection %q is closed", c.connId)
	case <-t.C:
		return fmt.Errorf("delivery on connection %q timed out after %s", c.connId, timeout)
	}
}

func serializeMessage(msg *call.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.conn.Close()
}

func (c *Client) cleanup() {
	c.server.handleDisconnect(c)
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
