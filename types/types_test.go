package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequirement() PaymentRequirement {
	return PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: Uint256FromUint64(1000),
		Resource:          "/weather",
		PayTo:             common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		MaxTimeoutSeconds: 300,
	}
}

func TestParseUint256(t *testing.T) {
	u, err := ParseUint256("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, maxUint256.String(), u.String())

	for _, in := range []string{"", "-1", "0x10", "1.5", "115792089237316195423570985008687907853269984665640564039457584007913129639936"} {
		_, err := ParseUint256(in)
		assert.Error(t, err, in)
	}
}

func TestUint256JSON(t *testing.T) {
	var u Uint256
	require.NoError(t, json.Unmarshal([]byte(`"1000"`), &u))
	assert.Equal(t, "1000", u.String())

	require.NoError(t, json.Unmarshal([]byte(`42`), &u))
	assert.Equal(t, "42", u.String())

	out, err := json.Marshal(Uint256FromUint64(7))
	require.NoError(t, err)
	assert.Equal(t, `"7"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"-5"`), &u))
}

func TestUint256Immutable(t *testing.T) {
	b := big.NewInt(10)
	u, err := NewUint256(b)
	require.NoError(t, err)

	b.SetInt64(99)
	u.Big().SetInt64(50)
	assert.Equal(t, "10", u.String())
}

func TestChainID(t *testing.T) {
	id, err := ChainID("base-sepolia")
	require.NoError(t, err)
	assert.Equal(t, int64(84532), id.Int64())

	id, err = ChainID("eip155:8453")
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id.Int64())

	for _, n := range []string{"", "unknown-net", "eip155:", "eip155:-1", "eip155:abc"} {
		_, err := ChainID(n)
		require.Error(t, err, n)
		assert.True(t, IsCode(err, ErrUnsupportedNetwork))
	}

	assert.True(t, SameNetwork("base", "eip155:8453"))
	assert.False(t, SameNetwork("base", "base-sepolia"))
	assert.False(t, SameNetwork("nope", "eip155:0"))
}

func TestRequirementValidateOrder(t *testing.T) {
	req := validRequirement()
	require.NoError(t, req.Validate())

	// zero amount wins over the other problems
	bad := req
	bad.MaxAmountRequired = Uint256{}
	bad.PayTo = common.Address{}
	bad.Resource = ""
	assert.True(t, IsCode(bad.Validate(), ErrInvalidAmount))

	bad.MaxAmountRequired = Uint256FromUint64(1)
	assert.True(t, IsCode(bad.Validate(), ErrInvalidRecipient))

	bad.PayTo = req.PayTo
	bad.Resource = "   "
	assert.True(t, IsCode(bad.Validate(), ErrEmptyResource))

	bad = req
	bad.Network = "mars"
	assert.True(t, IsCode(bad.Validate(), ErrUnsupportedNetwork))

	bad = req
	bad.Scheme = "upto"
	assert.True(t, IsCode(bad.Validate(), ErrUnsupportedScheme))
}

func TestPaymentIDIsProofKeyed(t *testing.T) {
	merchant := common.HexToAddress("0x01")
	proof := TransferProof{Network: "base", TxHash: common.HexToHash("0xabc")}

	a := PaymentID(merchant, "/r", proof)
	b := PaymentID(merchant, "/r", TransferProof{Network: "eip155:8453", TxHash: proof.TxHash})
	assert.Equal(t, a, b)

	c := PaymentID(merchant, "/r", TransferProof{Network: "base", TxHash: common.HexToHash("0xabd")})
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, PaymentID(merchant, "/other", proof))
}

func TestErrorClasses(t *testing.T) {
	err := WrapError(ErrNetworkError, "rpc down", assert.AnError)
	assert.True(t, err.Retryable())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, ClassConflict, ClassOf(ErrAlreadyRecorded))
	assert.Equal(t, ClassInternal, ClassOf("SOMETHING_ELSE"))
	assert.Equal(t, ErrInternal, CodeOf(assert.AnError))

	res := Failed(&X402Error{Code: ErrSettlementFailed, Message: "verification failed", Data: ErrExpired})
	assert.Equal(t, ErrSettlementFailed, res.Error)
	assert.Equal(t, ErrExpired, res.Reason)
}
