package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
)

// ResourcePrice is the human-denominated price of one resource.
type ResourcePrice struct {
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
	MimeType    string          `json:"mimeType"`
}

// Pricing is a merchant's price list. It is built once and handed to whoever
// serves the resources; nothing reads it globally.
//
// Merchant is the registry account that owns the requirements. It defaults to
// PayTo, and differs from it when payments go to a separate treasury.
type Pricing struct {
	Merchant          common.Address           `json:"merchant"`
	PayTo             common.Address           `json:"payTo"`
	Network           string                   `json:"network" validate:"required,network"`
	Asset             common.Address           `json:"asset"`
	Decimals          int32                    `json:"decimals" validate:"gte=0,lte=36"`
	MaxTimeoutSeconds int64                    `json:"maxTimeoutSeconds" validate:"gt=0"`
	Resources         map[string]ResourcePrice `json:"resources" validate:"required,min=1"`
}

// ParsePricing decodes and validates a JSON price list.
func ParsePricing(data []byte) (*Pricing, error) {
	var p Pricing
	if err := utils.DecodeStrictJSON(data, &p); err != nil {
		return nil, types.WrapError(types.ErrConfigError, "invalid pricing JSON", err)
	}
	if err := utils.ValidateStruct(&p); err != nil {
		return nil, types.WrapError(types.ErrConfigError, "invalid pricing", err)
	}
	if p.PayTo == (common.Address{}) {
		return nil, types.NewError(types.ErrInvalidRecipient, "pricing payTo must not be the zero address")
	}

	for path := range p.Resources {
		if _, err := p.Requirement(path); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// LoadPricing reads a JSON price list from path.
func LoadPricing(path string) (*Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("failed to read %s", path), err)
	}
	return ParsePricing(data)
}

// Requirement builds the payment requirement for resource, converting its
// decimal price into atomic units of the asset.
func (p *Pricing) Requirement(resource string) (*types.PaymentRequirement, error) {
	price, ok := p.Resources[resource]
	if !ok {
		return nil, types.NewError(types.ErrRequirementNotFound, "no price for %s", resource)
	}

	if price.Price.Sign() <= 0 {
		return nil, types.NewError(types.ErrInvalidAmount, "price of %s must be positive", resource)
	}
	amount, err := utils.ToAtomicUnits(price.Price, p.Decimals)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidAmount, fmt.Sprintf("invalid price for %s", resource), err)
	}

	req := &types.PaymentRequirement{
		Scheme:            string(types.SchemeExact),
		Network:           p.Network,
		MaxAmountRequired: amount,
		Resource:          strings.TrimSpace(resource),
		Description:       price.Description,
		MimeType:          price.MimeType,
		PayTo:             p.PayTo,
		MaxTimeoutSeconds: p.MaxTimeoutSeconds,
		Asset:             p.Asset,
		Merchant:          p.Owner(),
		IsActive:          true,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Owner returns the account the requirements are published under.
func (p *Pricing) Owner() common.Address {
	if p.Merchant != (common.Address{}) {
		return p.Merchant
	}
	return p.PayTo
}

// Paths lists the priced resources in sorted order.
func (p *Pricing) Paths() []string {
	paths := make([]string, 0, len(p.Resources))
	for path := range p.Resources {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
