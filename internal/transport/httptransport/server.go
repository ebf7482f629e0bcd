// Package httptransport implements the HTTP/2 message transport. The
// server speaks h2c when TLS is disabled so development setups still get
// multiplexed connections.
package httptransport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/transport"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// StatsProvider exposes registry stats on the transport surface.
type StatsProvider interface {
	Stats() v1.RegistryStats
}

// Server serves POST /a2a/message and /a2a/encrypted plus the registry
// stats endpoint.
type Server struct {
	cfg      config.TransportConfig
	handler  transport.MessageHandler
	auth     transport.TokenValidator
	stats    StatsProvider
	logger   *logger.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds the HTTP transport server. stats may be nil for nodes
// without a local registry.
func NewServer(cfg config.TransportConfig, handler transport.MessageHandler, auth transport.TokenValidator, stats StatsProvider, log *logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		auth:    auth,
		stats:   stats,
		logger:  log.WithFields(zap.String("component", "http_transport")),
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.recovery(), s.requestLogger())

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": errors.ErrCodeNotFound, "message": "unknown path"},
		})
	})

	a2a := router.Group("/a2a")
	{
		// Token checks run before the body is parsed.
		a2a.POST("/message", s.bearerAuth(), s.handlePlainMessage)
		a2a.POST("/encrypted", s.bearerAuth(), s.handleEncryptedMessage)
		a2a.GET("/registry/stats", s.handleRegistryStats)
		a2a.GET("/health", s.handleHealth)
	}
	return router
}

// Start begins serving. Returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.TransportError(fmt.Sprintf("failed to listen on %s", addr), err)
	}
	s.listener = listener

	var handler http.Handler = s.engine
	if !s.cfg.SSLEnabled {
		handler = h2c.NewHandler(s.engine, &http2.Server{})
	}
	s.httpSrv = &http.Server{
		Handler:           handler,
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
			s.logger.Error("transport server error", zap.Error(err))
		}
	}()

	s.logger.Info("transport server started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", s.cfg.SSLEnabled))
	return nil
}

// Stop shuts the server down, letting in-flight handlers complete.
func (s *Server) Stop(ctx context.Context) error {
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

// bearerAuth validates the Authorization header before any body parsing.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": errors.ErrCodeAuthFailure, "message": "missing bearer token"},
			})
			return
		}

		agentID, err := s.auth.Validate(token, transport.MessagingPermissions)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": errors.ErrCodeAuthFailure, "message": "invalid token"},
			})
			return
		}
		c.Set("agent_id", agentID)
		c.Next()
	}
}

func (s *Server) handlePlainMessage(c *gin.Context) {
	var msg v1.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": errors.ErrCodeBadRequest, "message": "malformed message body"},
		})
		return
	}

	if err := s.handler.HandleMessage(c.Request.Context(), &msg); err != nil {
		s.writeHandlerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "message_id": msg.MessageID})
}

func (s *Server) handleEncryptedMessage(c *gin.Context) {
	var env v1.EncryptedMessage
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": errors.ErrCodeBadRequest, "message": "malformed envelope body"},
		})
		return
	}

	if err := s.handler.HandleEncrypted(c.Request.Context(), &env); err != nil {
		s.writeHandlerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleRegistryStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": errors.ErrCodeNotFound, "message": "no registry on this node"},
		})
		return
	}
	c.JSON(http.StatusOK, s.stats.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeHandlerError maps delivery errors to status codes. Signature
// failures are reported as accepted so a forger learns nothing.
func (s *Server) writeHandlerError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code == errors.ErrCodeSignatureInvalid {
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}

	status := errors.GetHTTPStatus(err)
	code := errors.ErrCodeInternalError
	message := "message handling failed"
	if stderrors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	s.logger.Error("inbound message rejected", zap.Error(err))
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": errors.ErrCodeInternalError, "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}
