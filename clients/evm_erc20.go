package clients

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-registry/types"
)

// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TokenTransfer is a decoded ERC-20 Transfer event.
type TokenTransfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransferLog decodes l if it is a standard ERC-20 Transfer event.
func DecodeTransferLog(l *ethtypes.Log) (TokenTransfer, bool) {
	if l == nil || len(l.Topics) != 3 || l.Topics[0] != TransferEventTopic || len(l.Data) != 32 {
		return TokenTransfer{}, false
	}
	return TokenTransfer{
		Token: l.Address,
		From:  common.BytesToAddress(l.Topics[1].Bytes()),
		To:    common.BytesToAddress(l.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(l.Data),
	}, true
}

func confirmTokenTransfer(receipt *ethtypes.Receipt, expect types.TransferExpectation) error {
	for _, l := range receipt.Logs {
		t, ok := DecodeTransferLog(l)
		if !ok || t.Token != expect.Asset || t.To != expect.To {
			continue
		}
		if expect.From != (common.Address{}) && t.From != expect.From {
			continue
		}
		if t.Value.Cmp(expect.MinValue.Big()) >= 0 {
			return nil
		}
	}
	return mismatch("no %s transfer of at least %s to %s in %s",
		expect.Asset.Hex(), expect.MinValue, expect.To.Hex(), receipt.TxHash.Hex())
}
