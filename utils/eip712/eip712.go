// Package eip712 builds and checks the typed-data signature that authorizes an exact payment.
package eip712

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
)

const (
	DomainName    = "x402 Payment"
	DomainVersion = "1"
	PrimaryType   = "Authorization"
)

var authorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// TypedData returns the typed-data document a payer signs for auth.
// The token contract (or the native sentinel) is the verifying contract.
func TypedData(auth types.Authorization, chainID *big.Int, asset common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value.Big(),
			"validAfter":  big.NewInt(auth.ValidAfter),
			"validBefore": big.NewInt(auth.ValidBefore),
			"nonce":       auth.Nonce.Bytes(),
		},
	}
}

// Digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(auth)).
func Digest(auth types.Authorization, chainID *big.Int, asset common.Address) ([]byte, error) {
	if chainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}

	typedData := TypedData(auth, chainID, asset)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// Sign produces the payer signature over auth. Used by clients and tests.
func Sign(key *ecdsa.PrivateKey, auth types.Authorization, chainID *big.Int, asset common.Address) ([]byte, error) {
	digest, err := Digest(auth, chainID, asset)
	if err != nil {
		return nil, err
	}
	return utils.SignHash(digest, key)
}

// RecoverSigner returns the address that produced sig over auth.
func RecoverSigner(auth types.Authorization, sig []byte, chainID *big.Int, asset common.Address) (common.Address, error) {
	digest, err := Digest(auth, chainID, asset)
	if err != nil {
		return common.Address{}, err
	}
	return utils.RecoverAddress(digest, sig)
}

// Verify reports whether payload carries a signature by authorization.from,
// bound to the requirement's network and asset.
// An error is returned only when the network cannot be resolved;
// a malformed or foreign signature is simply not valid.
func Verify(payload *types.PaymentPayload, requirement *types.PaymentRequirement) (bool, error) {
	chainID, err := types.ChainID(requirement.Network)
	if err != nil {
		return false, err
	}

	auth := payload.Payload.Authorization
	signer, err := RecoverSigner(auth, payload.Payload.Signature, chainID, requirement.Asset)
	if err != nil {
		return false, nil
	}

	return signer == auth.From, nil
}

// RandomNonce returns a fresh 32-byte authorization nonce.
func RandomNonce() (common.Hash, error) {
	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
