package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// ErrSendBufferFull is returned when a client's outbound buffer is
// saturated; the envelope is dropped rather than blocking the relay.
var ErrSendBufferFull = errors.New("client send buffer full")

// Client is the websocket-backed Transport for one connected
// participant. A single writer goroutine drains the send channel, which
// preserves per-sender delivery order.
type Client struct {
	participant *Participant
	conn        *websocket.Conn
	send        chan protocol.Envelope
	closeOnce   sync.Once
	log         zerolog.Logger
}

func NewClient(id, displayName string, conn *websocket.Conn, log zerolog.Logger) *Client {
	c := &Client{
		conn: conn,
		send: make(chan protocol.Envelope, sendBufferSize),
		log:  log.With().Str("participant", id).Logger(),
	}
	c.participant = &Participant{ID: id, DisplayName: displayName, Transport: c}
	return c
}

// Participant returns the registry-facing identity for this connection.
func (c *Client) Participant() *Participant {
	return c.participant
}

// Send enqueues an envelope for delivery. Never blocks.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the websocket; the read pump then unwinds and detaches
// the participant from its room.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Run services the connection until it drops, then leaves whatever room
// the participant was in. Blocks until the read side finishes.
func (c *Client) Run(r *Relay) {
	go c.writePump()
	c.readPump(r)
}

func (c *Client) readPump(r *Relay) {
	defer func() {
		if roomID, ok := r.reg.RoomOf(c.participant.ID); ok {
			r.Leave(roomID, c.participant)
		}
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Msg("discarding unparseable envelope")
			continue
		}

		if env.Type == protocol.TypeJoin {
			var join protocol.JoinPayload
			if len(env.Payload) > 0 {
				env.Decode(&join)
			}
			if join.DisplayName != "" {
				c.participant.DisplayName = join.DisplayName
			}
			r.Join(env.RoomID, c.participant)
			continue
		}
		r.Route(c.participant, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Warn().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
