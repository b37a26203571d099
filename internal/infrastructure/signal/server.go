package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/infrastructure/middleware"
	"stagewire/pkg/config"
	apperrors "stagewire/pkg/errors"
	applog "stagewire/pkg/logger"
	"stagewire/pkg/tracing"
	"stagewire/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string

	// Per-connection message limit. Zero MessagesPerSecond disables it.
	MessagesPerSecond float64
	Burst             int
}

func NewServerConfig(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.Burst
	}
	return sc
}

// RelayObserver is told about every relayed or rejected P2P event.
type RelayObserver func(event domain.SignalEvent, err error)

// Server relays P2P negotiation events between authenticated participants.
// Router requests are not served here and are answered with UNSUPPORTED.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	connLog  *applog.ContextLogger

	connections map[domain.ParticipantID]*peerConn
	mu          sync.RWMutex

	observer RelayObserver
	draining atomic.Bool
}

type peerConn struct {
	id           domain.ParticipantID
	conn         *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (p *peerConn) send(env Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(env)
}

func NewServer(cfg ServerConfig, logger *zap.SugaredLogger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		connLog:     applog.NewContextLogger(logger.Desugar()),
		connections: make(map[domain.ParticipantID]*peerConn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetRelayObserver must be called before the server accepts connections.
func (s *Server) SetRelayObserver(fn RelayObserver) {
	s.observer = fn
}

// RegisterRoutes mounts the WebSocket endpoint and the readiness probe.
// middleware runs in front of the upgrade and must include
// middleware.AuthMiddleware.
func (s *Server) RegisterRoutes(router gin.IRoutes, mw ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc(nil), mw...), s.HandleWebSocket)
	router.GET("/ws", handlers...)
	router.GET("/ready", s.ReadyCheck)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
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

func (s *Server) HandleWebSocket(c *gin.Context) {
	id, ok := middleware.ParticipantID(c)
	if !ok {
		abort(c, apperrors.NewUnauthorizedError("participant not authenticated"))
		return
	}
	if s.draining.Load() {
		abort(c, apperrors.New(apperrors.ErrCodeNotConnected, "server is shutting down"))
		return
	}

	ctx := applog.WithConnectionID(applog.WithParticipantID(c.Request.Context(), id), uuid.NewString())
	log := s.connLog.Sugar(ctx)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pc := &peerConn{
		id:           domain.ParticipantID(id),
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		pc.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	reconnect := s.register(pc)
	defer s.unregister(pc)

	log.Infow("Participant connected", "reconnect", reconnect)

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan []byte, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messages <- data:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messages:
			s.handleFrame(ctx, pc, data)

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				log.Infow("Ping failed", "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("Unexpected close", "error", err)
			}
			log.Infow("Participant disconnected")
			return
		}
	}
}

func abort(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus(), gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

// register replaces an older connection of the same participant.
func (s *Server) register(pc *peerConn) bool {
	s.mu.Lock()
	old, exists := s.connections[pc.id]
	s.connections[pc.id] = pc
	s.mu.Unlock()

	if exists {
		s.logger.Infow("closing old connection for reconnecting participant", "participant_id", pc.id)
		old.conn.Close()
	}
	return exists
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[pc.id] == pc {
		delete(s.connections, pc.id)
	}
}

func (s *Server) lookup(id domain.ParticipantID) *peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[id]
}

func (s *Server) handleFrame(ctx context.Context, from *peerConn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.reject(from, Envelope{Kind: KindEvent}, apperrors.NewInvalidInputError("malformed envelope"))
		return
	}

	if from.limiter != nil && !from.limiter.Allow() {
		s.reject(from, env, apperrors.NewRateLimitError())
		return
	}

	switch env.Kind {
	case KindRequest:
		s.reject(from, env, apperrors.NewUnsupportedError("request "+env.Type))
	case KindEvent:
		err := s.relay(ctx, from, env)
		if s.observer != nil {
			s.observer(domain.SignalEvent(env.Type), err)
		}
		if err != nil {
			s.logger.Infow("rejected event from participant",
				"participant_id", from.id,
				"event", env.Type,
				"error", err,
			)
			s.reject(from, env, apperrors.FromError(err))
		}
	case KindResponse:
		s.logger.Debugw("ignoring response from participant", "participant_id", from.id, "id", env.ID)
	default:
		s.reject(from, env, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown kind %q", env.Kind))
	}
}

// reject answers a request with an error response and anything else with an
// error event.
func (s *Server) reject(to *peerConn, env Envelope, appErr *apperrors.AppError) {
	reply := Envelope{Kind: KindEvent, Type: errorEvent, Error: appErr}
	if env.Kind == KindRequest {
		reply = Envelope{Kind: KindResponse, ID: env.ID, Type: env.Type, Error: appErr}
	}
	if err := to.send(reply); err != nil {
		s.logger.Debugw("failed to send error", "participant_id", to.id, "error", err)
	}
}

func (s *Server) relay(ctx context.Context, from *peerConn, env Envelope) error {
	relayed, ok := domain.RelayedEvent(domain.SignalEvent(env.Type))
	if !ok {
		return apperrors.NewUnsupportedError("event " + env.Type)
	}

	var msg domain.P2PMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid "+env.Type+" payload")
	}
	if err := validateP2PMessage(domain.SignalEvent(env.Type), msg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error())
	}
	if msg.TargetID == from.id {
		return apperrors.NewInvalidInputError("cannot signal yourself")
	}

	ctx, span := tracing.TraceRelay(ctx, string(relayed), string(from.id), string(msg.TargetID))
	defer span.End()

	target := s.lookup(msg.TargetID)
	if target == nil {
		err := apperrors.NewNotFoundError(fmt.Sprintf("participant %s", msg.TargetID))
		tracing.RecordError(ctx, err)
		return err
	}

	msg.FromID = from.id
	out, err := newEnvelope(KindEvent, "", string(relayed), msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode relayed event")
	}
	if err := target.send(out); err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.Wrap(err, apperrors.ErrCodeNotConnected, fmt.Sprintf("participant %s unreachable", msg.TargetID))
	}

	s.logger.Debugw("relayed event",
		"event", relayed,
		"from_participant", from.id,
		"to_participant", msg.TargetID,
	)
	return nil
}

func validateP2PMessage(event domain.SignalEvent, msg domain.P2PMessage) error {
	if err := validation.ValidateID(string(msg.TargetID), "targetId"); err != nil {
		return err
	}
	switch event {
	case domain.EventMakeOffer, domain.EventMakeAnswer:
		if msg.SDP == nil {
			return fmt.Errorf("sdp is required")
		}
		return validation.ValidateSDP(msg.SDP.SDP)
	case domain.EventSendCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("candidate is required")
		}
		return validation.ValidateCandidate(msg.Candidate.Candidate)
	}
	return nil
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Server) IsConnected(id domain.ParticipantID) bool {
	return s.lookup(id) != nil
}

// Ready is a health check: the relay is not ready once it starts draining.
func (s *Server) Ready(ctx context.Context) (bool, error) {
	if s.draining.Load() {
		return false, fmt.Errorf("draining")
	}
	return true, ctx.Err()
}

func (s *Server) ReadyCheck(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ready",
		"connections": s.ConnectionCount(),
	})
}

// Shutdown stops accepting connections and closes the open ones with a going
// away frame.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.connections))
	for _, pc := range s.connections {
		conns = append(conns, pc)
	}
	s.mu.RUnlock()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, pc := range conns {
		_ = pc.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		pc.conn.Close()
	}

	s.logger.Infow("signaling server drained", "connections", len(conns))
	return ctx.Err()
}
