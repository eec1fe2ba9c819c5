package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-registry/types"
)

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ParseAmountWithDecimals converts a human amount ("0.01") into atomic units.
// Amounts with more precision than the token supports are rejected instead of rounded.
func ParseAmountWithDecimals(amount string, decimals int32) (types.Uint256, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return types.Uint256{}, err
	}

	return ToAtomicUnits(*dec, decimals)
}

// ToAtomicUnits scales dec by 10^decimals.
func ToAtomicUnits(dec decimal.Decimal, decimals int32) (types.Uint256, error) {
	scaled := dec.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return types.Uint256{}, fmt.Errorf("amount %s has more than %d decimal places", dec, decimals)
	}

	return types.NewUint256(scaled.BigInt())
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ValidateTransactionHash checks the 0x-prefixed 32-byte hex form of an EVM transaction hash.
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 66 characters long")
	}
	if !hexPattern.MatchString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

// ValidateAddress checks the 0x-prefixed 20-byte hex form of an address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("address must start with 0x")
	}
	if len(address) != 42 {
		return fmt.Errorf("address must be 42 characters long")
	}
	if !hexPattern.MatchString(address[2:]) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}
