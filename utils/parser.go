package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-registry/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("network", validateNetworkTag)
}

// ValidateStruct runs tag based validation on v.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

// DecodeStrictJSON unmarshals exactly one JSON value from data into v.
// Trailing bytes after the value are rejected.
func DecodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// ParsePaymentRequirement parses and validates a PaymentRequirement from JSON
func ParsePaymentRequirement(data []byte) (*types.PaymentRequirement, error) {
	var req types.PaymentRequirement

	if err := DecodeStrictJSON(data, &req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("failed to parse payment requirements: %v", err),
		}
	}

	if err := validate.Struct(&req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return &req, nil
}

// ParseVerifyRequest parses the body of a /verify call.
func ParseVerifyRequest(data []byte) (*types.VerifyRequest, error) {
	var req types.VerifyRequest

	if err := DecodeStrictJSON(data, &req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse verify request: %v", err),
		}
	}

	if err := validate.Struct(&req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &req, nil
}

// ParseSettleRequest parses the body of a /settle call.
func ParseSettleRequest(data []byte) (*types.SettleRequest, error) {
	var req types.SettleRequest

	if err := DecodeStrictJSON(data, &req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse settle request: %v", err),
		}
	}

	if err := validate.Struct(&req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &req, nil
}

func validateNetworkTag(fl validator.FieldLevel) bool {
	_, err := types.ChainID(fl.Field().String())
	return err == nil
}
