package stream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/transport"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Server accepts framed connections at /a2a/stream. The first frame must
// authenticate; everything after is message or broadcast traffic.
type Server struct {
	cfg      config.TransportConfig
	handler  transport.MessageHandler
	auth     transport.TokenValidator
	hub      *Hub
	logger   *logger.Logger
	httpSrv  *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	upgrader websocket.Upgrader
}

// NewServer builds the stream transport server.
func NewServer(cfg config.TransportConfig, handler transport.MessageHandler, auth transport.TokenValidator, log *logger.Logger) *Server {
	serverLog := log.WithFields(zap.String("component", "stream_transport"))
	return &Server{
		cfg:     cfg,
		handler: handler,
		auth:    auth,
		hub:     NewHub(serverLog),
		logger:  serverLog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Hub exposes the connection hub, used for server-initiated sends.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.TransportError(fmt.Sprintf("failed to listen on %s", addr), err)
	}
	s.listener = listener

	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(hubCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/a2a/stream", s.handleUpgrade)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if s.cfg.SSLEnabled {
			err = s.httpSrv.ServeTLS(listener, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpSrv.Serve(listener)
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("stream server error", zap.Error(err))
		}
	}()

	s.logger.Info("stream server started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", s.cfg.SSLEnabled))
	return nil
}

// Stop shuts down the server and closes all connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	}
	return s.listener.Addr().String()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	agentID, ok := s.authenticate(wsConn)
	if !ok {
		wsConn.Close()
		return
	}

	conn := newConn(agentID, wsConn)
	s.hub.Register(conn)

	go conn.writePump()
	go s.readPump(conn)
}

// authenticate enforces the first-frame handshake and replies with an
// auth_response either way.
func (s *Server) authenticate(wsConn *websocket.Conn) (string, bool) {
	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(authWait))

	var frame Frame
	if err := wsConn.ReadJSON(&frame); err != nil {
		return "", false
	}
	if frame.Type != FrameAuth || frame.Token == "" {
		s.writeAuthResponse(wsConn, false, "")
		return "", false
	}

	agentID, err := s.auth.Validate(frame.Token, transport.MessagingPermissions)
	if err != nil {
		s.logger.Warn("stream auth failed", zap.Error(err))
		s.writeAuthResponse(wsConn, false, "")
		return "", false
	}

	s.writeAuthResponse(wsConn, true, agentID)
	return agentID, true
}

func (s *Server) writeAuthResponse(wsConn *websocket.Conn, authenticated bool, agentID string) {
	wsConn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsConn.WriteJSON(&Frame{
		Type:          FrameAuthResponse,
		Authenticated: authenticated,
		AgentID:       agentID,
	})
}

func (s *Server) readPump(conn *Conn) {
	defer func() {
		s.hub.Unregister(conn)
		conn.ws.Close()
	}()

	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame Frame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("stream read error",
					zap.String("agent_id", conn.AgentID),
					zap.Error(err))
			}
			return
		}
		s.handleFrame(conn, &frame)
	}
}

func (s *Server) handleFrame(conn *Conn, frame *Frame) {
	switch frame.Type {
	case FrameMessage:
		msg, err := frame.Message()
		if err != nil {
			conn.sendError("malformed message frame")
			return
		}
		conn.sendResponse(s.ingest(conn, msg), msg.MessageID)

	case FrameBroadcast:
		msg, err := frame.Message()
		if err != nil {
			conn.sendError("malformed broadcast frame")
			return
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		s.hub.Broadcast(data, conn)
		conn.sendResponse(s.ingest(conn, msg), msg.MessageID)

	default:
		conn.sendError("unknown frame type " + frame.Type)
	}
}

// ingest hands a message to the handler and maps the outcome onto a
// response status. Signature failures report accepted, same as the HTTP
// path, so a forger cannot probe for valid signatures.
func (s *Server) ingest(conn *Conn, msg *v1.Message) string {
	err := s.handler.HandleMessage(context.Background(), msg)
	if err == nil {
		return StatusAccepted
	}
	s.logger.Debug("stream message rejected",
		zap.String("agent_id", conn.AgentID),
		zap.Error(err))
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code == errors.ErrCodeSignatureInvalid {
		return StatusAccepted
	}
	return StatusRejected
}

// Conn is one authenticated server-side connection.
type Conn struct {
	AgentID string
	ws      *websocket.Conn
	send    chan []byte
}

func newConn(agentID string, ws *websocket.Conn) *Conn {
	return &Conn{
		AgentID: agentID,
		ws:      ws,
		send:    make(chan []byte, 256),
	}
}

// sendResponse acknowledges an inbound message frame on the originating
// connection.
func (c *Conn) sendResponse(status, messageID string) {
	data, err := json.Marshal(&Frame{
		Type:      FrameMessageResponse,
		Status:    status,
		MessageID: messageID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Conn) sendError(message string) {
	data, err := json.Marshal(&Frame{Type: FrameError, Error: message})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump drains the send buffer to the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
