package push

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound frame size in bytes.
	maxMessageSize = 4096
	// sendBuffer is the number of outbound frames queued per endpoint before
	// new frames are dropped.
	sendBuffer = 64
)

// Frame is the JSON envelope exchanged in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> server events.
const (
	EventRegisterUser     = "registerUser"
	EventUnregisterUser   = "unregisterUser"
	EventSubscribeTopic   = "subscribeTopic"
	EventUnsubscribeTopic = "unsubscribeTopic"
)

// Server -> client events.
const (
	EventNewNotification   = "newNotification"
	EventTopicNotification = "topicNotification"
)

// topicRequest is the data of subscribeTopic and unsubscribeTopic. Topic may
// be a single string or a list.
type topicRequest struct {
	UserID string          `json:"userId"`
	Topic  json.RawMessage `json:"topic"`
	Topics []string        `json:"topics"`
}

func (t topicRequest) names() []string {
	names := append([]string(nil), t.Topics...)
	if len(t.Topic) == 0 {
		return names
	}
	var one string
	if err := json.Unmarshal(t.Topic, &one); err == nil {
		return append(names, one)
	}
	var many []string
	if err := json.Unmarshal(t.Topic, &many); err == nil {
		return append(names, many...)
	}
	return names
}

// peer is one connected session, reachable through the registry by its id.
type peer interface {
	peerID() string
	// authUser is the token subject, empty for anonymous sessions.
	authUser() string
	push(event string, data json.RawMessage) bool
	close()
}

// endpoint is one WebSocket connection.
type endpoint struct {
	id string
	// authUserID is the token subject, empty for anonymous endpoints.
	authUserID string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	server     *Server
}

func (e *endpoint) peerID() string   { return e.id }
func (e *endpoint) authUser() string { return e.authUserID }

func (e *endpoint) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *endpoint) push(event string, data json.RawMessage) bool {
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return false
	}
	return e.enqueue(msg)
}

// enqueue queues msg for the write pump without blocking. It reports false
// when the endpoint is closed or its buffer is full.
func (e *endpoint) enqueue(msg []byte) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.send <- msg:
		return true
	default:
		e.server.logger.Warn("push: dropping frame for slow endpoint", zap.String("endpoint", e.id))
		return false
	}
}

// readPump handles control frames until the connection fails, then removes
// the endpoint from the registry.
func (e *endpoint) readPump() {
	defer func() {
		e.server.remove(e)
		e.conn.Close()
	}()

	e.conn.SetReadLimit(maxMessageSize)
	e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				e.server.logger.Warn("push: read error", zap.String("endpoint", e.id), zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			e.server.logger.Warn("push: invalid frame", zap.String("endpoint", e.id), zap.Error(err))
			continue
		}
		e.server.handleFrame(e, f)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (e *endpoint) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		e.conn.Close()
	}()

	for {
		select {
		case msg := <-e.send:
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-e.done:
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
