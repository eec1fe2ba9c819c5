package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NativeAsset is the asset address that denotes the chain's native coin.
var NativeAsset = common.Address{}

// SameChainOrigin is recorded as the origin chain when the payer is local.
const SameChainOrigin = "native"

// IsNativeAsset reports whether asset is the native sentinel.
func IsNativeAsset(asset common.Address) bool {
	return asset == NativeAsset
}

// RequirementID derives the identifier of a requirement from its (owner, resource) key.
func RequirementID(owner common.Address, resource string) common.Hash {
	return crypto.Keccak256Hash(owner.Bytes(), crypto.Keccak256([]byte(resource)))
}

// PaymentID derives a payment identifier from the merchant, the resource and the transfer proof.
// The same proof always yields the same id, so replays collide in the registry.
func PaymentID(merchant common.Address, resource string, proof TransferProof) common.Hash {
	network := proof.Network
	if caip, err := CAIP2(network); err == nil {
		network = caip
	}
	return crypto.Keccak256Hash(
		merchant.Bytes(),
		crypto.Keccak256([]byte(resource)),
		crypto.Keccak256([]byte(network)),
		proof.TxHash.Bytes(),
	)
}
