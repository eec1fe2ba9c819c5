// Package server exposes the facilitator over HTTP with gin: the verify, settle
// and status endpoints, plus a 402 challenge middleware for resource servers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
)

const requestIDKey = "requestId"

// Backend is everything the facilitator routes need.
type Backend interface {
	VerifyRequest(ctx context.Context, req *types.VerifyRequest) (*types.PaymentPayload, *types.VerificationResult)
	SettleRequest(ctx context.Context, req *types.SettleRequest) *types.SettlementResult
	GetStatus(ctx context.Context, id common.Hash) (*types.PaymentStatus, error)
	GetMerchantPayments(ctx context.Context, merchant common.Address) ([]common.Hash, error)
	Supported() *types.SupportedResponse
}

type Server struct {
	backend Backend
	metrics http.Handler
	timeout time.Duration
	logger  logger.Logger
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithRequestTimeout bounds the backend call of each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		timeout: 30 * time.Second,
		logger:  logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds a gin engine with the facilitator routes mounted at the root.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), s.accessLog())
	s.Routes(r)
	return r
}

// Routes mounts the facilitator endpoints on r.
func (s *Server) Routes(r gin.IRouter) {
	r.GET("/health", s.health)
	r.GET("/supported", s.supported)
	r.POST("/verify", s.verify)
	r.POST("/settle", s.settle)
	r.GET("/status/:paymentId", s.status)
	r.GET("/merchants/:merchant/payments", s.merchantPayments)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// RequestID tags every request with an X-Request-Id, generating one if absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request", map[string]any{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"requestId": c.GetString(requestIDKey),
		})
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) supported(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Supported())
}

func (s *Server) verify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		abort(c, s.logger, types.ErrInvalidPayload, "failed to read body", nil)
		return
	}

	req, err := utils.ParseVerifyRequest(body)
	if err != nil {
		abortWithError(c, s.logger, err, nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	_, res := s.backend.VerifyRequest(ctx, req)
	if res.IsValid {
		c.JSON(http.StatusOK, res)
		return
	}

	status := StatusFor(res.InvalidReason)
	if status >= http.StatusInternalServerError {
		abort(c, s.logger, res.InvalidReason, res.Message, nil)
		return
	}
	c.JSON(status, res)
}

func (s *Server) settle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		abort(c, s.logger, types.ErrInvalidPayload, "failed to read body", nil)
		return
	}

	req, err := utils.ParseSettleRequest(body)
	if err != nil {
		abortWithError(c, s.logger, err, nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	res := s.backend.SettleRequest(ctx, req)
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}

	status := StatusForResult(res.Error, res.Reason)
	if status >= http.StatusInternalServerError {
		respond(c, s.logger, status, res.Error, res.Message, nil)
		return
	}
	c.JSON(status, res)
}

func (s *Server) status(c *gin.Context) {
	raw := c.Param("paymentId")
	if err := utils.ValidateTransactionHash(raw); err != nil {
		abort(c, s.logger, types.ErrInvalidPayload, "paymentId must be a 32-byte hex string", nil)
		return
	}

	st, err := s.backend.GetStatus(c.Request.Context(), common.HexToHash(raw))
	if err != nil {
		abortWithError(c, s.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) merchantPayments(c *gin.Context) {
	raw := c.Param("merchant")
	if err := utils.ValidateAddress(raw); err != nil {
		abort(c, s.logger, types.ErrInvalidPayload, "merchant must be a hex address", nil)
		return
	}

	merchant := common.HexToAddress(raw)
	ids, err := s.backend.GetMerchantPayments(c.Request.Context(), merchant)
	if err != nil {
		abortWithError(c, s.logger, err, nil)
		return
	}
	if ids == nil {
		ids = []common.Hash{}
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant": merchant,
		"payments": ids,
	})
}
