package coordinator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zajel-project/zajel/internal/logger"
	"github.com/zajel-project/zajel/signaling"
)

const (
	clientSendBacklog = 64
	clientWriteWait   = 10 * time.Second
	clientReadWait    = 75 * time.Second // ~3 client ping intervals
)

// client is one WebSocket connection attached to the hub. The read pump
// posts every validated message onto the hub loop; the write pump drains a
// bounded outbound queue. Registry state lives on the hub side only.
type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  logger.Logger

	// set by the hub loop at register time
	code      string
	publicKey string

	// relay bookkeeping, hub-loop owned
	capacity int
	load     int
	lastSeen time.Time

	out  chan []byte
	stop chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  hub,
		out:  make(chan []byte, clientSendBacklog),
		stop: make(chan struct{}),
		log:  logger.GetDefaultLogger().WithFields(logger.String("component", "coordinator")),
	}
	return c
}

// send queues one message for delivery. A full queue drops the message: a
// client that cannot drain its own traffic must not stall the hub.
func (c *client) send(msg *signaling.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal outbound message", logger.Error(err))
		return
	}
	select {
	case c.out <- data:
	default:
		c.log.Warn("dropping outbound message to slow client",
			logger.String("client", c.id), logger.String("type", string(msg.Type)))
	}
}

// run starts both pumps and blocks until the connection dies.
func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		close(c.stop)
		_ = c.conn.Close()
		c.hub.post(func() { c.hub.disconnect(c) })
	}()

	c.conn.SetReadLimit(signaling.MaxFrameSize)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(clientReadWait)); err != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("client read error", logger.Error(err))
			}
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("discarding malformed client frame", logger.String("client", c.id))
			continue
		}
		if err := signaling.Validate(&msg); err != nil {
			c.log.Warn("discarding invalid client frame",
				logger.String("client", c.id), logger.String("type", string(msg.Type)))
			continue
		}

		m := msg
		c.hub.post(func() { c.hub.handle(c, &m) })
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.stop:
			return
		case data := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// close sends a close frame and tears the socket down.
func (c *client) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
