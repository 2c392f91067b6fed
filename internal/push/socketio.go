package push

import (
	"encoding/json"
	"slices"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

const socketIOPath = "/socket.io/"

// socketPeer is one socket.io session. It speaks the same events as the
// WebSocket endpoint, one socket.io event per frame.
type socketPeer struct {
	id         string
	authUserID string
	emit       func(event string, data any)
	disconnect func()
}

func (p *socketPeer) peerID() string   { return p.id }
func (p *socketPeer) authUser() string { return p.authUserID }
func (p *socketPeer) close()           { p.disconnect() }

func (p *socketPeer) push(event string, data json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	p.emit(event, v)
	return true
}

func (s *Server) newSocketIO(allowedOrigins []string) (*socket.Server, *socket.ServerOptions) {
	opts := socket.DefaultServerOptions()
	opts.SetServeClient(false)
	opts.SetCors(&types.Cors{Origin: corsOrigin(allowedOrigins), Credentials: true})

	io := socket.NewServer(nil, nil)
	io.On("connection", func(clients ...any) {
		if len(clients) == 0 {
			return
		}
		sock, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.acceptSocket(sock)
	})
	return io, opts
}

func (s *Server) acceptSocket(sock *socket.Socket) {
	p, err := s.attachSocketPeer(
		string(sock.Id()),
		handshakeToken(sock.Handshake()),
		func(event string, data any) { sock.Emit(event, data) },
		func() { sock.Disconnect(true) },
	)
	if err != nil {
		return
	}
	for _, event := range []string{EventRegisterUser, EventUnregisterUser, EventSubscribeTopic, EventUnsubscribeTopic} {
		sock.On(event, func(args ...any) { s.handleSocketEvent(p, event, args) })
	}
	sock.On("disconnect", func(...any) { s.remove(p) })
}

// attachSocketPeer authenticates a socket.io session and registers it. A
// session is refused before Start, after Stop, or with a bad token.
func (s *Server) attachSocketPeer(id, token string, emit func(string, any), disconnect func()) (*socketPeer, error) {
	if !s.started.Load() {
		disconnect()
		return nil, errNotStarted
	}
	userID, err := s.authenticate(token)
	if err != nil {
		s.logger.Warn("push: socket.io session refused", zap.String("endpoint", id), zap.Error(err))
		disconnect()
		return nil, err
	}
	p := &socketPeer{id: id, authUserID: userID, emit: emit, disconnect: disconnect}
	s.attach(p)
	return p, nil
}

// handleSocketEvent turns the first event argument into frame data. A
// trailing acknowledgement callback is ignored.
func (s *Server) handleSocketEvent(p *socketPeer, event string, args []any) {
	data := json.RawMessage("null")
	if len(args) > 0 {
		raw, err := json.Marshal(args[0])
		if err != nil {
			s.logger.Warn("push: invalid socket.io event", zap.String("endpoint", p.id), zap.String("event", event), zap.Error(err))
			return
		}
		data = raw
	}
	s.handleFrame(p, Frame{Event: event, Data: data})
}

// handshakeToken reads the `token` field of the socket.io auth payload.
func handshakeToken(h *socket.Handshake) string {
	if h == nil {
		return ""
	}
	raw, err := json.Marshal(h.Auth)
	if err != nil {
		return ""
	}
	var auth struct {
		Token string `json:"token"`
	}
	if json.Unmarshal(raw, &auth) != nil {
		return ""
	}
	return auth.Token
}

func corsOrigin(allowed []string) any {
	if slices.Contains(allowed, "*") {
		return "*"
	}
	return allowed
}
