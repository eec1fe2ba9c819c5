// Package status projects registry records and in-flight attempts into a
// single read-only payment status.
package status

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
)

// nativeDecimals is used for the native asset when no token metadata is registered.
const nativeDecimals = 18

// Ledger is the read side of the payment registry.
type Ledger interface {
	GetPaymentRecord(ctx context.Context, id common.Hash) (*types.PaymentRecord, error)
	GetPaymentRequirement(ctx context.Context, owner common.Address, resource string) (*types.PaymentRequirement, error)
}

// TokenLookup resolves token metadata for human-readable amounts.
type TokenLookup interface {
	TokenInfo(network string, asset common.Address) (types.TokenInfo, bool)
}

type Service struct {
	ledger  Ledger
	tracker *Tracker
	tokens  TokenLookup
	now     func() time.Time
	logger  logger.Logger
}

type Option func(*Service)

func WithTracker(t *Tracker) Option {
	return func(s *Service) {
		s.tracker = t
	}
}

func WithTokens(t TokenLookup) Option {
	return func(s *Service) {
		s.tokens = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func NewService(ledger Ledger, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		now:    time.Now,
		logger: logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetStatus returns the current status of a payment.
//
// A registry record always wins over the attempt journal. Without either,
// PAYMENT_NOT_FOUND is returned.
func (s *Service) GetStatus(ctx context.Context, id common.Hash) (*types.PaymentStatus, error) {
	rec, err := s.ledger.GetPaymentRecord(ctx, id)
	if err != nil {
		if !types.IsCode(err, types.ErrPaymentNotFound) {
			return nil, err
		}
		return s.fromTracker(id)
	}

	st := &types.PaymentStatus{
		PaymentID: id,
		Record:    rec,
		UpdatedAt: rec.Timestamp,
	}

	req, err := s.ledger.GetPaymentRequirement(ctx, rec.Merchant, rec.Resource)
	if err != nil && !types.IsCode(err, types.ErrRequirementNotFound) {
		return nil, err
	}

	switch {
	case rec.Settled:
		st.Status = types.StatusSettled
		st.UpdatedAt = rec.SettledAt
	case req != nil && s.now().Unix() > rec.Timestamp+req.MaxTimeoutSeconds:
		st.Status = types.StatusExpired
	default:
		st.Status = types.StatusSettling
	}

	st.AmountHuman = s.humanAmount(rec, req)
	return st, nil
}

func (s *Service) fromTracker(id common.Hash) (*types.PaymentStatus, error) {
	a, ok := s.tracker.Get(id)
	if !ok {
		return nil, types.NewError(types.ErrPaymentNotFound, "payment %s not found", id.Hex())
	}
	return &types.PaymentStatus{
		PaymentID: id,
		Status:    a.Status,
		Reason:    a.Reason,
		UpdatedAt: a.UpdatedAt.Unix(),
	}, nil
}

func (s *Service) humanAmount(rec *types.PaymentRecord, req *types.PaymentRequirement) string {
	if types.IsNativeAsset(rec.Asset) {
		return utils.FormatAmountFromBigInt(rec.Amount.Big(), nativeDecimals)
	}
	if s.tokens == nil || req == nil {
		return ""
	}
	info, ok := s.tokens.TokenInfo(req.Network, rec.Asset)
	if !ok {
		return ""
	}
	return utils.FormatAmountFromBigInt(rec.Amount.Big(), info.Decimals)
}
