package types

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

type SupportedItem struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// PaymentRequirement is a merchant's declared price for one resource.
type PaymentRequirement struct {
	// Scheme of the payment protocol to use. Only "exact" is accepted.
	Scheme string `json:"scheme" validate:"required"`

	// Network the payment is expected on (e.g. "base-sepolia" or "eip155:84532").
	Network string `json:"network" validate:"required"`

	// Maximum amount required to pay for the resource in atomic units of the asset.
	MaxAmountRequired Uint256 `json:"maxAmountRequired"`

	// Path or URL of the resource to pay for.
	Resource string `json:"resource" validate:"required"`

	Description string `json:"description"`
	MimeType    string `json:"mimeType"`

	// Address to which the payment must be sent.
	PayTo common.Address `json:"payTo"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int64 `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Token contract, or NativeAsset for the chain's coin.
	Asset common.Address `json:"asset"`

	// Merchant is the account that published the requirement in the registry.
	// It is filled in by the registry and may differ from PayTo.
	Merchant common.Address `json:"merchant,omitzero"`

	IsActive  bool  `json:"isActive"`
	CreatedAt int64 `json:"createdAt,omitempty"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// Owner returns the merchant the requirement is registered under. Requirements
// that never went through the registry are owned by their PayTo account.
func (pr *PaymentRequirement) Owner() common.Address {
	if pr.Merchant != (common.Address{}) {
		return pr.Merchant
	}
	return pr.PayTo
}

// Validate checks the creation invariants of a requirement.
// Amount, recipient and resource are checked first, in that order.
func (pr *PaymentRequirement) Validate() error {
	if pr.MaxAmountRequired.IsZero() {
		return NewError(ErrInvalidAmount, "maxAmountRequired must be greater than 0")
	}

	if pr.PayTo == (common.Address{}) {
		return NewError(ErrInvalidRecipient, "payTo must not be the zero address")
	}

	if strings.TrimSpace(pr.Resource) == "" {
		return NewError(ErrEmptyResource, "resource must not be empty")
	}

	if PaymentScheme(pr.Scheme) != SchemeExact {
		return NewError(ErrUnsupportedScheme, "unsupported scheme: %s", pr.Scheme)
	}

	if _, err := ChainID(pr.Network); err != nil {
		return err
	}

	if pr.MaxTimeoutSeconds <= 0 {
		return NewError(ErrInvalidRequirements, "maxTimeoutSeconds must be greater than 0")
	}

	return nil
}

// Authorization is the signed transfer intent inside an exact payment.
type Authorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       Uint256        `json:"value"`
	ValidAfter  int64          `json:"validAfter,string" validate:"gte=0"`
	ValidBefore int64          `json:"validBefore,string" validate:"gte=0"`
	Nonce       common.Hash    `json:"nonce"`
}

// ExactPayload carries a 65-byte signature and the authorization it covers.
type ExactPayload struct {
	Signature     hexutil.Bytes `json:"signature" validate:"len=65"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-Payment header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version" validate:"gt=0"`
	Scheme      string       `json:"scheme" validate:"required"`
	Network     string       `json:"network" validate:"required"`
	Payload     ExactPayload `json:"payload"`
}

// TransferProof references the transfer a client made to pay a requirement.
type TransferProof struct {
	Network string      `json:"network" validate:"required"`
	TxHash  common.Hash `json:"txHash"`
}

func (p *TransferProof) IsZero() bool {
	return p == nil || p.TxHash == (common.Hash{})
}

// TransferExpectation is what a confirmed transfer must satisfy.
type TransferExpectation struct {
	From     common.Address
	To       common.Address
	MinValue Uint256
	Asset    common.Address
}

// Origin describes where a payer's funds actually come from.
type Origin struct {
	ChainNamespace string `json:"chainNamespace"`
	ChainID        string `json:"chainId"`
	TrueOwner      string `json:"trueOwner"`
	Remote         bool   `json:"remote"`
}

// Chain renders the origin as "namespace:chainId", or SameChainOrigin for local payers.
func (o Origin) Chain() string {
	if !o.Remote {
		return SameChainOrigin
	}
	return o.ChainNamespace + ":" + o.ChainID
}

// PaymentRecord is the registry's durable fact about one accepted payment.
type PaymentRecord struct {
	PaymentID      common.Hash    `json:"paymentId"`
	RequirementID  common.Hash    `json:"requirementId"`
	Merchant       common.Address `json:"merchant"`
	Resource       string         `json:"resource"`
	Payer          common.Address `json:"payer"`
	Asset          common.Address `json:"asset"`
	Amount         Uint256        `json:"amount"`
	Nonce          common.Hash    `json:"nonce"`
	OriginChain    string         `json:"originChain"`
	OriginAddress  string         `json:"originAddress"`
	IsOriginRemote bool           `json:"isOriginRemote"`
	Timestamp      int64          `json:"timestamp"`
	TxHash         common.Hash    `json:"txHash"`
	ProofNetwork   string         `json:"proofNetwork"`
	Settled        bool           `json:"settled"`
	SettlementRef  common.Hash    `json:"settlementRef"`
	SettledAt      int64          `json:"settledAt,omitempty"`
}

// PaymentStatusKind is the lifecycle state reported by the status service.
type PaymentStatusKind string

const (
	StatusPending  PaymentStatusKind = "pending"
	StatusVerified PaymentStatusKind = "verified"
	StatusSettling PaymentStatusKind = "settling"
	StatusSettled  PaymentStatusKind = "settled"
	StatusFailed   PaymentStatusKind = "failed"
	StatusExpired  PaymentStatusKind = "expired"
)

// PaymentStatus is the read model returned for a payment id.
type PaymentStatus struct {
	PaymentID   common.Hash       `json:"paymentId"`
	Status      PaymentStatusKind `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Record      *PaymentRecord    `json:"record,omitempty"`
	AmountHuman string            `json:"amountHuman,omitempty"`
	UpdatedAt   int64             `json:"updatedAt"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool           `json:"isValid"`
	InvalidReason string         `json:"invalidReason,omitempty"`
	Message       string         `json:"message,omitempty"`
	Payer         common.Address `json:"payer"`
	ExpiresAt     int64          `json:"expiresAt,omitempty"`
	EstimatedGas  uint64         `json:"estimatedGas,omitempty"`
	Network       string         `json:"network,omitempty"`

	// PaymentID is set when the request carried a transfer proof.
	PaymentID *common.Hash `json:"paymentId,omitempty"`
}

// Invalid builds a failed verification result.
func Invalid(code, message string) *VerificationResult {
	return &VerificationResult{IsValid: false, InvalidReason: code, Message: message}
}

// Err converts a failed result back into an error. It returns nil for valid results.
func (r *VerificationResult) Err() *X402Error {
	if r == nil || r.IsValid {
		return nil
	}
	return &X402Error{Code: r.InvalidReason, Message: r.Message}
}

// SettlementResult contains the result of payment settlement
type SettlementResult struct {
	Success   bool           `json:"success"`
	Pending   bool           `json:"pending,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Message   string         `json:"message,omitempty"`
	PaymentID common.Hash    `json:"paymentId"`
	TxHash    common.Hash    `json:"txHash"`
	NetworkId string         `json:"networkId,omitempty"`
	Payer     common.Address `json:"payer"`
	Timestamp int64          `json:"timestamp"`
}

// Failed builds an unsuccessful settlement result from an error.
func Failed(err error) *SettlementResult {
	res := &SettlementResult{Success: false, Error: CodeOf(err), Message: err.Error()}
	if xe, ok := AsError(err); ok {
		res.Message = xe.Message
		if reason, ok := xe.Data.(string); ok {
			res.Reason = reason
		}
	}
	return res
}

// VerifyRequest is the body accepted by a facilitator's /verify endpoint.
type VerifyRequest struct {
	X402Version         int                `json:"x402Version" validate:"gt=0"`
	PaymentHeader       string             `json:"paymentHeader" validate:"required"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
	TransferProof       *TransferProof     `json:"transferProof,omitempty"`
}

// SettleRequest is the body accepted by /settle.
type SettleRequest struct {
	X402Version         int                `json:"x402Version" validate:"gt=0"`
	PaymentHeader       string             `json:"paymentHeader" validate:"required"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
	TransferProof       *TransferProof     `json:"transferProof,omitempty"`

	// PaymentID, when given, must match the id derived from the proof.
	PaymentID *common.Hash `json:"paymentId,omitempty"`
}

// TokenInfo contains information about the payment token
type TokenInfo struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals" validate:"gte=0,lte=36"`
}

// ExtraData contains additional payment-specific data
type ExtraData map[string]interface{}

// ClientConfig contains configuration for blockchain clients
type ClientConfig struct {
	Network    Network           `json:"network" validate:"omitempty,network"`
	RPCUrl     string            `json:"rpcUrl" validate:"required,url"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	RetryCount int               `json:"retryCount,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// X402Config contains global configuration for the x402 library
type X402Config struct {
	DefaultTimeout time.Duration            `json:"defaultTimeout,omitempty"`
	RetryCount     int                      `json:"retryCount,omitempty"`
	Clients        map[Network]ClientConfig `json:"clients,omitempty"`
	LogLevel       string                   `json:"logLevel,omitempty"`
	EnableMetrics  bool                     `json:"enableMetrics,omitempty"`

	// ConfirmTimeout bounds every transfer confirmation RPC call.
	ConfirmTimeout time.Duration `json:"confirmTimeout,omitempty"`

	// BestEffortConfirmation records payments whose transfer could not be confirmed
	// in time and leaves them unsettled until a recheck succeeds.
	BestEffortConfirmation bool `json:"bestEffortConfirmation,omitempty"`

	// AcceptUnconfirmedHomeProofs lets proofs on the home network settle without a
	// confirmer for it. Only meant for local development.
	AcceptUnconfirmedHomeProofs bool `json:"acceptUnconfirmedHomeProofs,omitempty"`

	HomeNetwork     Network     `json:"homeNetwork,omitempty"`
	SupportedTokens []TokenInfo `json:"supportedTokens,omitempty"`
	Extra           ExtraData   `json:"extra,omitempty"`
}
