// Package push delivers notifications to browser sessions over plain
// WebSocket or socket.io. Sessions are tracked in a registry.Registry by
// owner and topic.
package push

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"

	"github.com/darkden-lab/notifyd/internal/auth"
	"github.com/darkden-lab/notifyd/internal/middleware"
	"github.com/darkden-lab/notifyd/internal/registry"
)

var (
	errTokenAuthUnavailable = errors.New("token authentication not configured")
	errInvalidToken         = errors.New("invalid token")
	errNotStarted           = errors.New("push server not started")
)

// Server accepts WebSocket and socket.io sessions and fans payloads out to
// them.
type Server struct {
	registry   *registry.Registry
	jwtService *auth.JWTService
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	started    atomic.Bool

	io     *socket.Server
	ioOpts *socket.ServerOptions

	mu    sync.RWMutex
	peers map[string]peer
}

// NewServer creates a push server. jwtService may be nil, in which case all
// sessions are anonymous and register themselves. With a jwtService only a
// token identifies a user.
func NewServer(reg *registry.Registry, jwtService *auth.JWTService, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:   reg,
		jwtService: jwtService,
		logger:     logger.Named("push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     CheckOrigin(allowedOrigins),
		},
		peers: make(map[string]peer),
	}
	s.io, s.ioOpts = s.newSocketIO(allowedOrigins)
	return s
}

// RegisterRoutes wires the WebSocket endpoint and the socket.io handler.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/notifications", s.ServeWS).Methods(http.MethodGet)
	r.PathPrefix(socketIOPath).Handler(s.io.ServeHandler(s.ioOpts))
}

// Start allows delivery. Before Start and after Stop, sends report false.
func (s *Server) Start() {
	s.started.Store(true)
	s.logger.Info("push: server started")
}

// Stop closes every session.
func (s *Server) Stop() {
	s.started.Store(false)

	s.mu.RLock()
	peers := make([]peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.close()
	}
	s.logger.Info("push: server stopped", zap.Int("endpoints", len(peers)))
}

// authenticate returns the subject of token, or "" for an empty token.
func (s *Server) authenticate(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	if s.jwtService == nil {
		return "", errTokenAuthUnavailable
	}
	claims, err := s.jwtService.ValidateToken(token)
	if err != nil {
		return "", errInvalidToken
	}
	return claims.UserID, nil
}

// ServeWS upgrades GET /ws/notifications. A JWT from the `token` query
// parameter or the Authorization header registers the endpoint for the
// token's subject; without one the endpoint starts anonymous.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() {
		http.Error(w, errNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}

	userID, err := s.authenticate(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	e := &endpoint{
		id:         uuid.New().String(),
		authUserID: userID,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		server:     s,
	}

	s.attach(e)

	go e.writePump()
	go e.readPump()
}

func (s *Server) attach(p peer) {
	id := p.peerID()
	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	s.registry.Connect(id)
	if user := p.authUser(); user != "" {
		s.registry.Register(user, id)
	}
	s.logger.Info("push: endpoint connected", zap.String("endpoint", id), zap.String("user_id", p.authUser()))
}

func (s *Server) remove(p peer) {
	id := p.peerID()
	owner, _ := s.registry.Owner(id)
	s.registry.Disconnect(id)
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	p.close()
	s.logger.Info("push: endpoint disconnected", zap.String("endpoint", id), zap.String("user_id", owner))
}

func (s *Server) handleFrame(p peer, f Frame) {
	id := p.peerID()
	switch f.Event {
	case EventRegisterUser:
		var userID string
		if err := json.Unmarshal(f.Data, &userID); err != nil || userID == "" {
			s.logger.Warn("push: registerUser without user id", zap.String("endpoint", id))
			return
		}
		if !s.mayActAs(p, userID) {
			return
		}
		s.registry.Register(userID, id)

	case EventUnregisterUser:
		s.registry.Unregister(id)

	case EventSubscribeTopic, EventUnsubscribeTopic:
		var req topicRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			s.logger.Warn("push: invalid topic request", zap.String("endpoint", id), zap.Error(err))
			return
		}
		if req.UserID != "" && !s.mayActAs(p, req.UserID) {
			return
		}
		for _, topic := range req.names() {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			if f.Event == EventSubscribeTopic {
				s.registry.Subscribe(topic, id)
			} else {
				s.registry.Unsubscribe(topic, id)
			}
		}

	default:
		s.logger.Warn("push: unknown event", zap.String("endpoint", id), zap.String("event", f.Event))
	}
}

// mayActAs reports whether p may claim userID. Once token authentication is
// configured, anonymous sessions may not claim any user and authenticated
// ones only their own subject.
func (s *Server) mayActAs(p peer, userID string) bool {
	authUser := p.authUser()
	if authUser == userID || (authUser == "" && s.jwtService == nil) {
		return true
	}
	s.logger.Warn("push: endpoint tried to act as another user",
		zap.String("endpoint", p.peerID()), zap.String("user_id", authUser), zap.String("requested", userID))
	return false
}

// SendToUser pushes payload as newNotification to every endpoint of userID.
// It reports false when the server is not started or the payload cannot be
// encoded. A user with no endpoints is not an error.
func (s *Server) SendToUser(userID string, payload any) bool {
	if !s.started.Load() {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("push: encode payload", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	s.fanout(s.registry.UserEndpoints(userID), EventNewNotification, data)
	return true
}

// SendToTopic pushes payload as topicNotification to the topic's
// subscribers only.
func (s *Server) SendToTopic(topic string, payload any) bool {
	if !s.started.Load() {
		return false
	}
	data, err := json.Marshal(map[string]any{
		"topic":   topic,
		"payload": payload,
	})
	if err != nil {
		s.logger.Warn("push: encode payload", zap.String("topic", topic), zap.Error(err))
		return false
	}
	s.fanout(s.registry.TopicEndpoints(topic), EventTopicNotification, data)
	return true
}

func (s *Server) fanout(ids []string, event string, data json.RawMessage) {
	if len(ids) == 0 {
		return
	}
	targets := make([]peer, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		if p, ok := s.peers[id]; ok {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range targets {
		p.push(event, data)
	}
}
