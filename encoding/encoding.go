// Package encoding converts x402 header values to and from base64 encoded JSON.
// Decoders never panic: every malformed input is reported as an INVALID_ENCODING error.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
)

// MaxEncodedSize bounds the length of any encoded header value.
const MaxEncodedSize = 16 * 1024

// EncodePayment converts a PaymentPayload to a base64 encoded JSON string
// suitable for the X-Payment header.
func EncodePayment(payment types.PaymentPayload) (string, error) {
	return encode(payment, "payment")
}

// DecodePayment parses an X-Payment header value and validates its structure.
func DecodePayment(encoded string) (types.PaymentPayload, error) {
	return decode[types.PaymentPayload](encoded, "payment")
}

// EncodeRequirement produces the X-Payment-Requirements header value.
func EncodeRequirement(req types.PaymentRequirement) (string, error) {
	return encode(req, "requirement")
}

// DecodeRequirement parses an X-Payment-Requirements header value.
func DecodeRequirement(encoded string) (types.PaymentRequirement, error) {
	return decode[types.PaymentRequirement](encoded, "requirement")
}

// EncodeSettlement produces the X-Payment-Response header value.
func EncodeSettlement(settlement types.SettlementResult) (string, error) {
	return encode(settlement, "settlement")
}

// DecodeSettlement parses an X-Payment-Response header value.
func DecodeSettlement(encoded string) (types.SettlementResult, error) {
	return decode[types.SettlementResult](encoded, "settlement")
}

// EncodeTransferProof produces the X-Payment-Proof header value.
func EncodeTransferProof(proof types.TransferProof) (string, error) {
	return encode(proof, "transfer proof")
}

// DecodeTransferProof parses an X-Payment-Proof header value.
func DecodeTransferProof(encoded string) (types.TransferProof, error) {
	return decode[types.TransferProof](encoded, "transfer proof")
}

func encode(v any, what string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", types.WrapError(types.ErrInvalidEncoding, fmt.Sprintf("failed to marshal %s", what), err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode[T any](encoded string, what string) (T, error) {
	var out T

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return out, types.NewError(types.ErrInvalidEncoding, "%s header is empty", what)
	}
	if len(encoded) > MaxEncodedSize {
		return out, types.NewError(types.ErrInvalidEncoding, "%s header exceeds %d bytes", what, MaxEncodedSize)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return out, types.WrapError(types.ErrInvalidEncoding, "failed to decode base64", err)
	}

	if err := utils.DecodeStrictJSON(raw, &out); err != nil {
		return out, types.WrapError(types.ErrInvalidEncoding, fmt.Sprintf("failed to unmarshal %s", what), err)
	}

	if err := utils.ValidateStruct(&out); err != nil {
		return out, types.WrapError(types.ErrInvalidEncoding, fmt.Sprintf("invalid %s", what), err)
	}

	return out, nil
}
