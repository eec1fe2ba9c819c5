package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-registry/clients"
	"github.com/vitwit/x402-registry/encoding"
	"github.com/vitwit/x402-registry/registry"
	"github.com/vitwit/x402-registry/status"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils/eip712"
	"github.com/vitwit/x402-registry/verification"
)

var (
	admin       = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	merchant    = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	facilitator = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	usdc        = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	now         = time.Unix(1700000000, 0)
)

type fakeConfirmer struct {
	network types.Network
	delay   time.Duration

	mu     sync.Mutex
	err    error
	expect types.TransferExpectation
	calls  int32
}

func (f *fakeConfirmer) ConfirmTransfer(_ context.Context, _ types.TransferProof, expect types.TransferExpectation) error {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expect = expect
	return f.err
}

func (f *fakeConfirmer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeConfirmer) GetNetwork() types.Network { return f.network }
func (f *fakeConfirmer) Close()                    {}

type harness struct {
	reg       *registry.Registry
	confirmer *fakeConfirmer
	tracker   *status.Tracker
	key       *ecdsa.PrivateKey
	payer     common.Address
	req       *types.PaymentRequirement
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New(ctx, registry.NewMemoryStore(), admin,
		registry.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, reg.RegisterResourceOwner(ctx, admin, merchant))
	require.NoError(t, reg.GrantFacilitator(ctx, admin, facilitator))

	req := types.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: types.Uint256FromUint64(1000),
		Resource:          "/weather",
		PayTo:             merchant,
		MaxTimeoutSeconds: 300,
		Asset:             usdc,
	}
	stored, err := reg.CreatePaymentRequirement(ctx, merchant, req)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &harness{
		reg:       reg,
		confirmer: &fakeConfirmer{network: types.NetworkBaseSepolia},
		tracker:   status.NewTracker(time.Minute),
		key:       key,
		payer:     crypto.PubkeyToAddress(key.PublicKey),
		req:       stored,
	}
}

func (h *harness) payload(t *testing.T, value uint64, nonce string) *types.PaymentPayload {
	t.Helper()
	return h.signed(t, merchant, usdc, value, nonce)
}

func (h *harness) signed(t *testing.T, to, asset common.Address, value uint64, nonce string) *types.PaymentPayload {
	t.Helper()
	auth := types.Authorization{
		From:        h.payer,
		To:          to,
		Value:       types.Uint256FromUint64(value),
		ValidAfter:  now.Unix() - 10,
		ValidBefore: now.Unix() + 3600,
		Nonce:       common.HexToHash(nonce),
	}
	sig, err := eip712.Sign(h.key, auth, big.NewInt(84532), asset)
	require.NoError(t, err)
	return &types.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     types.ExactPayload{Signature: sig, Authorization: auth},
	}
}

func (h *harness) service(opts ...Option) *SettlementService {
	verifier := verification.NewVerificationService(
		verification.WithClock(func() time.Time { return now }),
		verification.WithNonceChecker(h.reg),
	)
	base := []Option{WithConfirmer(h.confirmer), WithTracker(h.tracker), WithHomeNetwork("base-sepolia")}
	return NewSettlementService(verifier, h.reg, facilitator, append(base, opts...)...)
}

func proofFor(tx string) *types.TransferProof {
	return &types.TransferProof{Network: "base-sepolia", TxHash: common.HexToHash(tx)}
}

func TestSettlePaymentSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.service().SettlePayment(ctx, h.payload(t, 1000, "0x01"), h.req, proofFor("0xaa"))
	require.True(t, res.Success, res.Message)
	assert.False(t, res.Pending)
	assert.Equal(t, h.payer, res.Payer)
	assert.Equal(t, common.HexToHash("0xaa"), res.TxHash)

	rec, err := h.reg.GetPaymentRecord(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.True(t, rec.Settled)
	assert.Equal(t, common.HexToHash("0xaa"), rec.SettlementRef)
	assert.Equal(t, types.SameChainOrigin, rec.OriginChain)

	assert.Equal(t, types.TransferExpectation{
		From:     h.payer,
		To:       merchant,
		MinValue: types.Uint256FromUint64(1000),
		Asset:    usdc,
	}, h.confirmer.expect)
}

func TestSettleTransferMismatchCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.confirmer.setErr(types.NewError(types.ErrTransferMismatch, "transfer recipient does not match"))

	proof := proofFor("0xbb")
	res := h.service().SettlePayment(ctx, h.payload(t, 1000, "0x02"), h.req, proof)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrTransferMismatch, res.Error)

	_, err := h.reg.GetPaymentRecord(ctx, types.PaymentID(merchant, "/weather", *proof))
	assert.True(t, types.IsCode(err, types.ErrPaymentNotFound))

	a, ok := h.tracker.Get(res.PaymentID)
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, a.Status)
	assert.Equal(t, types.ErrTransferMismatch, a.Reason)
}

func TestSettleTwiceIsAlreadyRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()
	payload := h.payload(t, 1000, "0x03")

	first := svc.SettlePayment(ctx, payload, h.req, proofFor("0xcc"))
	require.True(t, first.Success, first.Message)

	second := svc.SettlePayment(ctx, payload, h.req, proofFor("0xcc"))
	assert.False(t, second.Success)
	assert.Equal(t, types.ErrAlreadyRecorded, second.Error)
	assert.Equal(t, first.PaymentID, second.PaymentID)

	// a fresh process sees the registry's conflict instead of the cache
	third := h.service().SettlePayment(ctx, payload, h.req, proofFor("0xcc"))
	assert.Equal(t, types.ErrAlreadyRecorded, third.Error)

	ids, err := h.reg.GetMerchantPayments(ctx, merchant)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSettleNonceReuseWithNewProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()
	payload := h.payload(t, 1000, "0x04")

	require.True(t, svc.SettlePayment(ctx, payload, h.req, proofFor("0xd1")).Success)

	res := svc.SettlePayment(ctx, payload, h.req, proofFor("0xd2"))
	assert.Equal(t, types.ErrNonceAlreadyUsed, res.Error)
}

func TestSettleRemoteOrigin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	origins := clients.NewStaticOriginResolver()
	origins.Set(h.payer, types.Origin{ChainNamespace: "eip155", ChainID: "11155111", TrueOwner: "0x0000000000000000000000000000000000000DDD", Remote: true})

	res := h.service(WithOriginResolver(origins)).SettlePayment(ctx, h.payload(t, 1000, "0x05"), h.req, proofFor("0xee"))
	require.True(t, res.Success, res.Message)

	rec, err := h.reg.GetPaymentRecord(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "eip155:11155111", rec.OriginChain)
	assert.Equal(t, "0x0000000000000000000000000000000000000DDD", rec.OriginAddress)
	assert.True(t, rec.IsOriginRemote)
}

type failingResolver struct{}

func (failingResolver) ResolveOrigin(context.Context, common.Address) (types.Origin, error) {
	return types.Origin{}, errors.New("directory unavailable")
}

func TestSettleOriginFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	res := h.service(WithOriginResolver(failingResolver{})).SettlePayment(context.Background(), h.payload(t, 1000, "0x06"), h.req, proofFor("0xef"))
	assert.Equal(t, types.ErrOriginResolutionError, res.Error)
	assert.Equal(t, types.ClassTransient, types.ClassOf(res.Error))

	ids, err := h.reg.GetMerchantPayments(context.Background(), merchant)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSettleRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()

	res := svc.SettlePayment(ctx, h.payload(t, 999, "0x07"), h.req, proofFor("0x01"))
	assert.Equal(t, types.ErrSettlementFailed, res.Error)
	assert.Equal(t, types.ErrInsufficientAmount, res.Reason)

	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x08"), h.req, nil)
	assert.Equal(t, types.ErrMissingTransferProof, res.Error)

	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x09"), h.req, &types.TransferProof{Network: "base-sepolia"})
	assert.Equal(t, types.ErrMissingTransferProof, res.Error)

	// another chain with no confirmer fails closed
	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x0a"), h.req, &types.TransferProof{Network: "sepolia", TxHash: common.HexToHash("0x02")})
	assert.Equal(t, types.ErrUnsupportedNetwork, res.Error)

	h.confirmer.setErr(types.NewError(types.ErrTransferUnconfirmed, "rpc timeout"))
	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x0b"), h.req, proofFor("0x03"))
	assert.Equal(t, types.ErrTransferUnconfirmed, res.Error)
	assert.False(t, res.Pending)

	require.NoError(t, h.reg.DeactivatePaymentRequirement(ctx, merchant, "/weather"))
	h.confirmer.setErr(nil)
	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x0c"), h.req, proofFor("0x04"))
	assert.Equal(t, types.ErrRequirementNotActive, res.Error)
}

func TestSettleUsesRegisteredTerms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()

	// same merchant and resource, but a token of the payer's choosing
	junk := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	forged := *h.req
	forged.Asset = junk
	res := svc.SettlePayment(ctx, h.signed(t, merchant, junk, 1000, "0x21"), &forged, proofFor("0x21"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrInvalidRequirements, res.Error)

	cheaper := *h.req
	cheaper.MaxAmountRequired = types.Uint256FromUint64(1)
	res = svc.SettlePayment(ctx, h.payload(t, 1, "0x22"), &cheaper, proofFor("0x22"))
	assert.Equal(t, types.ErrInvalidRequirements, res.Error)

	otherNetwork := *h.req
	otherNetwork.Network = "base"
	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x23"), &otherNetwork, proofFor("0x23"))
	assert.Equal(t, types.ErrInvalidRequirements, res.Error)

	assert.Equal(t, int32(0), atomic.LoadInt32(&h.confirmer.calls))
	ids, err := h.reg.GetMerchantPayments(ctx, merchant)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// descriptive fields may differ
	relabelled := *h.req
	relabelled.Description = "weather, again"
	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x24"), &relabelled, proofFor("0x24"))
	assert.True(t, res.Success, res.Message)
}

func TestSettleTreasuryRequirement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()

	treasury := common.HexToAddress("0x0000000000000000000000000000000000000e01")
	req, err := h.reg.CreatePaymentRequirement(ctx, merchant, types.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: types.Uint256FromUint64(1000),
		Resource:          "/forecast",
		PayTo:             treasury,
		MaxTimeoutSeconds: 300,
		Asset:             usdc,
	})
	require.NoError(t, err)
	assert.Equal(t, merchant, req.Merchant)

	proof := proofFor("0x31")
	res := svc.SettlePayment(ctx, h.signed(t, treasury, usdc, 1000, "0x31"), req, proof)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, types.PaymentID(merchant, "/forecast", *proof), res.PaymentID)
	assert.Equal(t, treasury, h.confirmer.expect.To)

	rec, err := h.reg.GetPaymentRecord(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, merchant, rec.Merchant)
	assert.True(t, rec.Settled)

	ids, err := h.reg.GetMerchantPayments(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{res.PaymentID}, ids)

	// without the merchant the requirement is looked up under payTo
	anonymous := *req
	anonymous.Merchant = common.Address{}
	res = svc.SettlePayment(ctx, h.signed(t, treasury, usdc, 1000, "0x32"), &anonymous, proofFor("0x32"))
	assert.Equal(t, types.ErrRequirementNotFound, res.Error)
}

func TestSettleHomeNetworkWithoutConfirmer(t *testing.T) {
	h := newHarness(t)
	verifier := verification.NewVerificationService(verification.WithClock(func() time.Time { return now }))

	// an unchecked hash is not a payment
	strict := NewSettlementService(verifier, h.reg, facilitator, WithHomeNetwork("eip155:84532"))
	res := strict.SettlePayment(context.Background(), h.payload(t, 1000, "0x0d"), h.req, proofFor("0x05"))
	assert.Equal(t, types.ErrUnsupportedNetwork, res.Error)
	assert.Empty(t, strict.GetSupportedNetworks())

	lax := NewSettlementService(verifier, h.reg, facilitator,
		WithHomeNetwork("eip155:84532"), WithUnconfirmedHomeProofs(true))
	res = lax.SettlePayment(context.Background(), h.payload(t, 1000, "0x0d"), h.req, proofFor("0x05"))
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"eip155:84532"}, lax.GetSupportedNetworks())

	// other networks still need a confirmer
	res = lax.SettlePayment(context.Background(), h.payload(t, 1000, "0x0f"), h.req,
		&types.TransferProof{Network: "sepolia", TxHash: common.HexToHash("0x0f")})
	assert.Equal(t, types.ErrUnsupportedNetwork, res.Error)
}

func TestBestEffortConfirmationAndRecheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service(WithBestEffortConfirmation(true))

	h.confirmer.setErr(types.NewError(types.ErrTransferUnconfirmed, "rpc timeout"))
	res := svc.SettlePayment(ctx, h.payload(t, 1000, "0x0e"), h.req, proofFor("0x06"))
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Pending)

	rec, err := h.reg.GetPaymentRecord(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.False(t, rec.Settled)

	// still down: stays pending
	again := svc.RecheckPending(ctx, res.PaymentID)
	assert.False(t, again.Success)
	assert.True(t, again.Pending)

	h.confirmer.setErr(nil)
	again = svc.RecheckPending(ctx, res.PaymentID)
	require.True(t, again.Success, again.Message)

	rec, err = h.reg.GetPaymentRecord(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.True(t, rec.Settled)

	again = svc.RecheckPending(ctx, res.PaymentID)
	assert.Equal(t, types.ErrAlreadySettled, again.Error)

	// a definite mismatch is never recorded, even in best-effort mode
	h.confirmer.setErr(types.NewError(types.ErrTransferMismatch, "wrong recipient"))
	res = svc.SettlePayment(ctx, h.payload(t, 1000, "0x0f"), h.req, proofFor("0x07"))
	assert.Equal(t, types.ErrTransferMismatch, res.Error)
}

func TestConcurrentSettleIsAtMostOnce(t *testing.T) {
	h := newHarness(t)
	h.confirmer.delay = 20 * time.Millisecond
	svc := h.service()
	payload := h.payload(t, 1000, "0x10")

	const workers = 12
	results := make([]*types.SettlementResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.SettlePayment(context.Background(), payload, h.req, proofFor("0x99"))
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, r := range results {
		switch {
		case r.Success:
			successes++
		case r.Error == types.ErrAlreadyRecorded:
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.confirmer.calls))
}

func TestSettleRequestAndBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()

	header, err := encoding.EncodePayment(*h.payload(t, 1000, "0x11"))
	require.NoError(t, err)

	wrong := common.HexToHash("0xbad")
	res := svc.SettleRequest(ctx, &types.SettleRequest{
		X402Version:         1,
		PaymentHeader:       header,
		PaymentRequirements: *h.req,
		TransferProof:       proofFor("0x11"),
		PaymentID:           &wrong,
	})
	assert.Equal(t, types.ErrInvalidPayload, res.Error)

	id := types.PaymentID(h.req.Owner(), h.req.Resource, *proofFor("0x11"))
	res = svc.SettleRequest(ctx, &types.SettleRequest{
		X402Version:         1,
		PaymentHeader:       header,
		PaymentRequirements: *h.req,
		TransferProof:       proofFor("0x11"),
		PaymentID:           &id,
	})
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, id, res.PaymentID)

	res = svc.SettleRequest(ctx, &types.SettleRequest{X402Version: 1, PaymentHeader: "not base64!", PaymentRequirements: *h.req})
	assert.Equal(t, types.ErrInvalidEncoding, res.Error)

	results, err := svc.BatchSettle(ctx, []Request{
		{Payload: h.payload(t, 1000, "0x12"), Requirement: h.req, Proof: proofFor("0x12")},
		{Payload: h.payload(t, 1, "0x13"), Requirement: h.req, Proof: proofFor("0x13")},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, types.ErrSettlementFailed, results[1].Error)
}

func TestInFlightCache(t *testing.T) {
	c := NewInFlightCache(time.Minute)
	id := common.HexToHash("0x01")

	state, _, done := c.CheckAndMark(id)
	require.Equal(t, StatusNotFound, state)

	state, _, wait := c.CheckAndMark(id)
	require.Equal(t, StatusInFlight, state)

	c.Fail(id, done)
	res, err := c.WaitForResult(context.Background(), id, wait)
	require.NoError(t, err)
	assert.Nil(t, res)

	state, _, done = c.CheckAndMark(id)
	require.Equal(t, StatusNotFound, state)
	c.Complete(id, &types.SettlementResult{Success: true, PaymentID: id}, done)

	state, cached, _ := c.CheckAndMark(id)
	assert.Equal(t, StatusCached, state)
	assert.True(t, cached.Success)
}
