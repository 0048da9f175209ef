// Package signal is the WebSocket relay that carries call signaling and
// live chat updates between users.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/internal/core/services"
	"chathub/internal/infrastructure/middleware"
	"chathub/pkg/codec"
	"chathub/pkg/config"
	"chathub/pkg/tracing"
	"chathub/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DeliveryLocal  = "local"
	DeliveryRemote = "remote"
)

type Config struct {
	InstanceID     string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
	AllowedOrigins []string

	// Zero disables the per-connection limit.
	MessagesPerSecond float64
	Burst             int
}

func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		InstanceID:     cfg.Signal.InstanceID,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBufferSize: cfg.Signal.SendBufferSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		c.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		c.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return c
}

// WebSocketServer keeps one connection per user. Envelopes for users
// connected to another instance go through the event bus when one is set.
type WebSocketServer struct {
	cfg      Config
	auth     services.AuthService
	presence ports.PresenceRepository
	bus      ports.EventBus
	metrics  ports.RelayMetrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	connections map[domain.UserID]*connection
	mu          sync.RWMutex
}

func NewWebSocketServer(
	cfg Config,
	auth services.AuthService,
	presence ports.PresenceRepository,
	bus ports.EventBus,
	metrics ports.RelayMetrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}

	s := &WebSocketServer{
		cfg:         cfg,
		auth:        auth,
		presence:    presence,
		bus:         bus,
		metrics:     metrics,
		logger:      logger,
		connections: make(map[domain.UserID]*connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start subscribes to envelopes other instances route here.
func (s *WebSocketServer) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, s.handleRelayEvent)
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		s.logger.Infow("rejecting websocket without valid token", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	conn := newConnection(claims.UserID, ws, s.cfg)
	replaced := s.register(conn)
	if replaced != nil {
		replaced.close(websocket.CloseNormalClosure, "replaced by a newer connection")
		s.logger.Infow("closing old connection for reconnecting user", "user_id", conn.userID)
	}
	s.metrics.ConnectionOpened()

	ctx := r.Context()
	if err := s.presence.SetOnline(ctx, conn.userID, s.cfg.InstanceID); err != nil {
		s.logger.Warnw("failed to mark user online", "user_id", conn.userID, "error", err)
	}

	s.logger.Infow("user connected via WebSocket", "user_id", conn.userID, "reconnect", replaced != nil)

	go conn.writePump(s.logger)
	s.readPump(ctx, conn)

	conn.close(websocket.CloseNormalClosure, "")
	s.metrics.ConnectionClosed()
	if s.unregister(conn) {
		offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.presence.SetOffline(offCtx, conn.userID, s.cfg.InstanceID); err != nil {
			s.logger.Warnw("failed to mark user offline", "user_id", conn.userID, "error", err)
		}
		cancel()
	}
	s.logger.Infow("user disconnected", "user_id", conn.userID)
}

func (s *WebSocketServer) register(conn *connection) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.connections[conn.userID]
	s.connections[conn.userID] = conn
	return old
}

// unregister removes conn unless a newer connection took its place.
func (s *WebSocketServer) unregister(conn *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[conn.userID] != conn {
		return false
	}
	delete(s.connections, conn.userID)
	return true
}

func (s *WebSocketServer) lookup(userID domain.UserID) *connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[userID]
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *connection) {
	ws := conn.ws
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("error reading message from user", "user_id", conn.userID, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if conn.limiter != nil && !conn.limiter.Allow() {
			s.reject(conn, "", domain.SignalErrorPayload{
				Code:    domain.SignalErrorRateLimited,
				Message: "message rate exceeded",
			})
			continue
		}
		s.handleFrame(ctx, conn, data)
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, conn *connection, data []byte) {
	rawType, payload, err := codec.DecodeEnvelope(data)
	if err != nil {
		s.reject(conn, "", domain.SignalErrorPayload{Code: domain.SignalErrorInvalidMessage, Message: err.Error()})
		return
	}
	msgType := domain.SignalType(rawType)

	ctx, span := tracing.TraceWebSocketMessage(ctx, rawType, string(conn.userID))
	defer span.End()

	switch {
	case msgType.IsCallSignal():
		s.relaySignal(ctx, conn, msgType, payload)
	case msgType == domain.SignalMessage:
		s.fanOutMessage(ctx, conn, payload)
	case msgType == domain.SignalPing:
		conn.enqueueEnvelope(domain.SignalPong, nil)
	default:
		err := fmt.Errorf("unknown message type: %s", rawType)
		tracing.RecordError(ctx, err)
		s.reject(conn, msgType, domain.SignalErrorPayload{Code: domain.SignalErrorUnknownType, Message: err.Error()})
	}
}

func (s *WebSocketServer) relaySignal(ctx context.Context, conn *connection, msgType domain.SignalType, payload []byte) {
	var msg domain.SignalingMessage
	if err := codec.Unmarshal(payload, &msg); err != nil {
		s.reject(conn, msgType, domain.SignalErrorPayload{
			Code:    domain.SignalErrorInvalidMessage,
			Message: fmt.Sprintf("invalid %s payload: %v", msgType, err),
		})
		return
	}
	if err := validateSignal(msgType, &msg, conn.userID); err != nil {
		tracing.RecordError(ctx, err)
		s.reject(conn, msgType, domain.SignalErrorPayload{
			Code:     domain.SignalErrorInvalidMessage,
			Message:  err.Error(),
			CallID:   msg.CallID,
			TargetID: msg.TargetID,
		})
		return
	}

	msg.SenderID = conn.userID
	data, err := codec.EncodeEnvelope(string(msgType), msg)
	if err != nil {
		s.logger.Errorw("failed to encode signal", "type", msgType, "error", err)
		s.reject(conn, msgType, domain.SignalErrorPayload{Code: domain.SignalErrorInternal, Message: "internal error"})
		return
	}

	delivery, err := s.deliver(ctx, msg.TargetID, data)
	tracing.AnnotateRelay(ctx, string(msg.CallID), string(msg.TargetID), delivery)
	if err != nil {
		s.reject(conn, msgType, domain.SignalErrorPayload{
			Code:     domain.SignalErrorPeerUnavailable,
			Message:  fmt.Sprintf("user %s is not connected", msg.TargetID),
			CallID:   msg.CallID,
			TargetID: msg.TargetID,
		})
		if msgType == domain.SignalOffer {
			conn.enqueueEnvelope(domain.SignalHangup, domain.SignalingMessage{
				CallID:   msg.CallID,
				SenderID: msg.TargetID,
				TargetID: conn.userID,
				Reason:   domain.EndReasonUnavailable,
			})
		}
		return
	}

	s.metrics.EnvelopeRelayed(msgType, delivery)
	logFn := s.logger.Infow
	if msgType == domain.SignalICECandidate {
		logFn = s.logger.Debugw
	}
	logFn("routing signal",
		"type", msgType,
		"call_id", msg.CallID,
		"from_user", conn.userID,
		"to_user", msg.TargetID,
		"delivery", delivery,
	)
}

func validateSignal(msgType domain.SignalType, msg *domain.SignalingMessage, sender domain.UserID) error {
	if err := validation.ValidateID(string(msg.CallID), "callId"); err != nil {
		return err
	}
	if err := validation.ValidateID(string(msg.TargetID), "targetId"); err != nil {
		return err
	}
	if msg.TargetID == sender {
		return fmt.Errorf("targetId must differ from the sender")
	}

	switch msgType {
	case domain.SignalOffer, domain.SignalAnswer:
		if msg.SDP == nil {
			return fmt.Errorf("%s requires sdp", msgType)
		}
		if err := validation.ValidateSDP(msg.SDP.Type, string(msgType), msg.SDP.SDP); err != nil {
			return fmt.Errorf("invalid SDP in %s: %w", msgType, err)
		}
		if msgType == domain.SignalOffer && msg.CallType != "" && !msg.CallType.Valid() {
			return fmt.Errorf("unknown callType %q", msg.CallType)
		}
	case domain.SignalICECandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("ice-candidate requires candidate")
		}
		if err := validation.ValidateICECandidate(msg.Candidate.Candidate); err != nil {
			return err
		}
	}
	return nil
}

// fanOutMessage forwards a chat update to its recipients. Offline
// recipients are skipped; they read history over REST.
func (s *WebSocketServer) fanOutMessage(ctx context.Context, conn *connection, payload []byte) {
	var event domain.ChatEvent
	if err := codec.Unmarshal(payload, &event); err != nil {
		s.reject(conn, domain.SignalMessage, domain.SignalErrorPayload{
			Code:    domain.SignalErrorInvalidMessage,
			Message: fmt.Sprintf("invalid message payload: %v", err),
		})
		return
	}
	if event.Message.ID == "" || event.Message.ChannelID == "" {
		s.reject(conn, domain.SignalMessage, domain.SignalErrorPayload{
			Code:    domain.SignalErrorInvalidMessage,
			Message: "message requires id and channelId",
		})
		return
	}

	recipients := event.Recipients
	event.Recipients = nil
	event.Message.SenderID = conn.userID

	data, err := codec.EncodeEnvelope(string(domain.SignalMessage), event)
	if err != nil {
		s.logger.Errorw("failed to encode chat message", "error", err)
		return
	}

	seen := make(map[domain.UserID]struct{}, len(recipients))
	for _, userID := range recipients {
		if userID == conn.userID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		delivery, err := s.deliver(ctx, userID, data)
		if err != nil {
			continue
		}
		s.metrics.EnvelopeRelayed(domain.SignalMessage, delivery)
	}
}

// deliver hands data to the target's local connection, or publishes it for
// the instance that owns the target.
func (s *WebSocketServer) deliver(ctx context.Context, target domain.UserID, data []byte) (string, error) {
	if conn := s.lookup(target); conn != nil {
		if conn.enqueue(data) {
			return DeliveryLocal, nil
		}
		s.logger.Warnw("send buffer full, dropping envelope", "user_id", target)
		return "", domain.ErrPeerUnavailable
	}

	if s.bus == nil {
		return "", domain.ErrPeerUnavailable
	}
	presence, err := s.presence.Get(ctx, target)
	if err != nil {
		s.logger.Warnw("presence lookup failed", "user_id", target, "error", err)
		return "", domain.ErrPeerUnavailable
	}
	if !presence.Online || presence.InstanceID == s.cfg.InstanceID {
		return "", domain.ErrPeerUnavailable
	}

	event := &domain.RelayEvent{TargetID: target, InstanceID: presence.InstanceID, Data: data}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warnw("failed to publish relay event", "user_id", target, "error", err)
		return "", errors.Join(domain.ErrPeerUnavailable, err)
	}
	return DeliveryRemote, nil
}

func (s *WebSocketServer) handleRelayEvent(event *domain.RelayEvent) {
	conn := s.lookup(event.TargetID)
	if conn == nil || !conn.enqueue(event.Data) {
		s.logger.Debugw("dropping relay event for absent user", "user_id", event.TargetID)
		return
	}
	msgType, _, _ := codec.DecodeEnvelope(event.Data)
	s.metrics.EnvelopeRelayed(domain.SignalType(msgType), DeliveryLocal)
}

func (s *WebSocketServer) reject(conn *connection, msgType domain.SignalType, sigErr domain.SignalErrorPayload) {
	s.metrics.EnvelopeRejected(msgType, sigErr.Code)
	s.logger.Infow("rejecting envelope",
		"user_id", conn.userID,
		"type", msgType,
		"code", sigErr.Code,
		"message", sigErr.Message,
	)
	conn.enqueueEnvelope(domain.SignalError, sigErr)
}

// ConnectedUsers lists users with a connection on this instance.
func (s *WebSocketServer) ConnectedUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserID, 0, len(s.connections))
	for id := range s.connections {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (s *WebSocketServer) IsUserConnected(userID domain.UserID) bool {
	return s.lookup(userID) != nil
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close sends 1001 to every client and stops the event bus subscription.
func (s *WebSocketServer) Close() error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

type connection struct {
	userID  domain.UserID
	ws      *websocket.Conn
	cfg     Config
	limiter *rate.Limiter

	// send is never closed; writers select on done.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(userID domain.UserID, ws *websocket.Conn, cfg Config) *connection {
	c := &connection{
		userID: userID,
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
	if cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
	}
	return c
}

func (c *connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *connection) enqueueEnvelope(msgType domain.SignalType, payload any) bool {
	data, err := codec.EncodeEnvelope(string(msgType), payload)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *connection) writePump(logger *zap.SugaredLogger) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Infow("error writing to user", "user_id", c.userID, "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Infow("error sending ping", "user_id", c.userID, "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// close sends a close frame (except for 1006, which is never sent on the
// wire) and tears down the socket. Safe to call more than once.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		}
		c.ws.Close()
	})
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()                                          {}
func (noopRelayMetrics) ConnectionClosed()                                          {}
func (noopRelayMetrics) EnvelopeRelayed(domain.SignalType, string)                  {}
func (noopRelayMetrics) EnvelopeRejected(domain.SignalType, domain.SignalErrorCode) {}
