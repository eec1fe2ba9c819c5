package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-registry/config"
	"github.com/vitwit/x402-registry/encoding"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/types"
)

const (
	HeaderPaymentRequirements = "X-Payment-Requirements"
	HeaderPayment             = "X-Payment"
	HeaderPaymentProof        = "X-Payment-Proof"
	HeaderPaymentResponse     = "X-Payment-Response"
)

// codePaymentRequired is the error reported when no payment was attached.
const codePaymentRequired = "PAYMENT_REQUIRED"

// Context keys set by PaymentMiddleware for downstream handlers.
const (
	SettlementKey = "x402.settlement"
	PayerKey      = "x402.payer"
)

// Facilitator verifies and settles payments on behalf of a resource server.
type Facilitator interface {
	VerifyPayment(ctx context.Context, payload *types.PaymentPayload, requirement *types.PaymentRequirement) *types.VerificationResult
	SettlePayment(ctx context.Context, payload *types.PaymentPayload, requirement *types.PaymentRequirement, proof *types.TransferProof) *types.SettlementResult
}

type middlewareOptions struct {
	logger   logger.Logger
	timeout  time.Duration
	resource func(*gin.Context) string
}

type MiddlewareOption func(*middlewareOptions)

func WithMiddlewareLogger(l logger.Logger) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.logger = l
	}
}

// WithSettleTimeout bounds verification plus settlement of one request.
func WithSettleTimeout(d time.Duration) MiddlewareOption {
	return func(o *middlewareOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithResourceFunc overrides how the priced resource is derived from a request.
// The default is the request path.
func WithResourceFunc(fn func(*gin.Context) string) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.resource = fn
	}
}

// PaymentMiddleware guards the resources priced in pricing. Requests without a
// payment get a 402 challenge; paid requests are verified and settled before the
// next handler runs. Unpriced paths pass through.
func PaymentMiddleware(pricing *config.Pricing, facilitator Facilitator, opts ...MiddlewareOption) gin.HandlerFunc {
	options := &middlewareOptions{
		logger:  logger.NoopLogger{},
		timeout: 30 * time.Second,
		resource: func(c *gin.Context) string {
			return c.Request.URL.Path
		},
	}
	for _, opt := range opts {
		opt(options)
	}
	log := options.logger

	return func(c *gin.Context) {
		requirement, err := pricing.Requirement(options.resource(c))
		if types.IsCode(err, types.ErrRequirementNotFound) {
			c.Next()
			return
		}
		if err != nil {
			abortWithError(c, log, err, nil)
			return
		}

		header := c.GetHeader(HeaderPayment)
		if header == "" {
			challenge(c, log, requirement, http.StatusPaymentRequired, codePaymentRequired, "X-Payment header is required")
			return
		}

		payload, err := encoding.DecodePayment(header)
		if err != nil {
			abortWithError(c, log, err, gin.H{"paymentRequirements": requirement})
			return
		}

		var proof *types.TransferProof
		if raw := c.GetHeader(HeaderPaymentProof); raw != "" {
			p, err := encoding.DecodeTransferProof(raw)
			if err != nil {
				abortWithError(c, log, err, gin.H{"paymentRequirements": requirement})
				return
			}
			proof = &p
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), options.timeout)
		defer cancel()

		verdict := facilitator.VerifyPayment(ctx, &payload, requirement)
		if !verdict.IsValid {
			log.Info("payment rejected", map[string]any{
				"resource": requirement.Resource,
				"reason":   verdict.InvalidReason,
				"payer":    verdict.Payer.Hex(),
			})
			challenge(c, log, requirement, StatusFor(verdict.InvalidReason), verdict.InvalidReason, verdict.Message)
			return
		}

		result := facilitator.SettlePayment(ctx, &payload, requirement, proof)
		if !result.Success {
			log.Info("settlement rejected", map[string]any{
				"resource":  requirement.Resource,
				"error":     result.Error,
				"reason":    result.Reason,
				"paymentId": result.PaymentID.Hex(),
			})
			challenge(c, log, requirement, StatusForResult(result.Error, result.Reason), result.Error, result.Message)
			return
		}

		encoded, err := encoding.EncodeSettlement(*result)
		if err != nil {
			abortWithError(c, log, err, nil)
			return
		}

		c.Header(HeaderPaymentResponse, encoded)
		c.Set(SettlementKey, result)
		c.Set(PayerKey, result.Payer)
		c.Next()
	}
}

// challenge answers with the requirement in both the header and the body.
func challenge(c *gin.Context, log logger.Logger, requirement *types.PaymentRequirement, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		respond(c, log, status, code, message, nil)
		return
	}

	encoded, err := encoding.EncodeRequirement(*requirement)
	if err != nil {
		abortWithError(c, log, err, nil)
		return
	}

	c.Header(HeaderPaymentRequirements, encoded)
	c.AbortWithStatusJSON(status, gin.H{
		"error":               code,
		"message":             message,
		"paymentRequirements": requirement,
	})
}
