package call

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wavechat/callcore/internal/protocol"
)

// Transport is the duplex envelope session between this participant and
// the relay, with an explicit lifecycle: Open via Dial, Close when the
// call ends. Inbound is a finite stream: it closes when the session
// drops and is not restartable.
type Transport interface {
	Send(env protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Close() error
}

type wsTransport struct {
	conn      *websocket.Conn
	inbound   chan protocol.Envelope
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens a websocket transport session against a relay signaling
// URL (ws://host/ws/signal/<room>?token=...).
func Dial(url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	t := &wsTransport{
		conn:    conn,
		inbound: make(chan protocol.Envelope, 64),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) readLoop() {
	defer close(t.inbound)
	for {
		var env protocol.Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("relay session read error")
			}
			return
		}
		if !t.deliver(env) {
			return
		}
	}
}

// deliver hands the envelope to the consumer. Close unblocks it even
// when the inbound buffer is saturated and nothing is draining, so the
// read loop never outlives the session.
func (t *wsTransport) deliver(env protocol.Envelope) bool {
	select {
	case t.inbound <- env:
		return true
	case <-t.done:
		return false
	}
}

func (t *wsTransport) Send(env protocol.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Inbound() <-chan protocol.Envelope {
	return t.inbound
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
