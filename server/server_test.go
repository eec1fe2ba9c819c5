package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-registry/config"
	"github.com/vitwit/x402-registry/encoding"
	"github.com/vitwit/x402-registry/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	merchant = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	payer    = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	knownID  = common.HexToHash("0x01")
)

type fakeBackend struct {
	verify   *types.VerificationResult
	settle   *types.SettlementResult
	statusOf map[common.Hash]*types.PaymentStatus
	payments []common.Hash
	err      error

	lastSettle *types.SettleRequest
}

func (f *fakeBackend) VerifyRequest(_ context.Context, req *types.VerifyRequest) (*types.PaymentPayload, *types.VerificationResult) {
	return nil, f.verify
}

func (f *fakeBackend) SettleRequest(_ context.Context, req *types.SettleRequest) *types.SettlementResult {
	f.lastSettle = req
	return f.settle
}

func (f *fakeBackend) GetStatus(_ context.Context, id common.Hash) (*types.PaymentStatus, error) {
	if st, ok := f.statusOf[id]; ok {
		return st, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, types.NewError(types.ErrPaymentNotFound, "payment %s not found", id.Hex())
}

func (f *fakeBackend) GetMerchantPayments(context.Context, common.Address) ([]common.Hash, error) {
	return f.payments, f.err
}

func (f *fakeBackend) Supported() *types.SupportedResponse {
	return &types.SupportedResponse{Kinds: []types.SupportedItem{{X402Version: 1, Scheme: "exact", Network: "eip155:84532"}}}
}

// VerifyPayment and SettlePayment let the same fake back the middleware.
func (f *fakeBackend) VerifyPayment(context.Context, *types.PaymentPayload, *types.PaymentRequirement) *types.VerificationResult {
	return f.verify
}

func (f *fakeBackend) SettlePayment(_ context.Context, _ *types.PaymentPayload, _ *types.PaymentRequirement, proof *types.TransferProof) *types.SettlementResult {
	if proof == nil {
		return types.Failed(types.NewError(types.ErrMissingTransferProof, "transfer proof is required"))
	}
	return f.settle
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

const verifyBody = `{
	"x402Version": 1,
	"paymentHeader": "eyJ9",
	"paymentRequirements": {
		"scheme": "exact",
		"network": "base-sepolia",
		"maxAmountRequired": "1000",
		"resource": "/weather",
		"description": "",
		"mimeType": "",
		"payTo": "0x0000000000000000000000000000000000000b01",
		"maxTimeoutSeconds": 300,
		"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		"isActive": true
	}
}`

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		types.ErrInvalidEncoding:     http.StatusBadRequest,
		types.ErrVersionMismatch:     http.StatusBadRequest,
		types.ErrInvalidSignature:    http.StatusPaymentRequired,
		types.ErrSettlementFailed:    http.StatusPaymentRequired,
		types.ErrTransferMismatch:    http.StatusPaymentRequired,
		types.ErrAlreadyRecorded:     http.StatusConflict,
		types.ErrPaymentNotFound:     http.StatusNotFound,
		types.ErrRequirementNotFound: http.StatusNotFound,
		types.ErrNetworkError:        http.StatusServiceUnavailable,
		types.ErrTransferUnconfirmed: http.StatusServiceUnavailable,
		types.ErrInternal:            http.StatusInternalServerError,
		"SOMETHING_NEW":              http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFor(code), code)
	}
}

func TestStatusForResult(t *testing.T) {
	cases := []struct {
		code, reason string
		want         int
	}{
		{types.ErrSettlementFailed, "", http.StatusPaymentRequired},
		{types.ErrSettlementFailed, types.ErrInvalidSignature, http.StatusPaymentRequired},
		{types.ErrSettlementFailed, types.ErrVersionMismatch, http.StatusBadRequest},
		{types.ErrSettlementFailed, types.ErrNetworkError, http.StatusServiceUnavailable},
		{types.ErrSettlementFailed, types.ErrInternal, http.StatusInternalServerError},
		{types.ErrAlreadyRecorded, types.ErrNetworkError, http.StatusConflict},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusForResult(tc.code, tc.reason), tc.code+"/"+tc.reason)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	backend := &fakeBackend{verify: &types.VerificationResult{IsValid: true, Payer: payer, EstimatedGas: 63000}}
	h := New(backend).Handler()

	w := do(t, h, http.MethodPost, "/verify", verifyBody, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, true, body["isValid"])
	assert.Equal(t, float64(63000), body["estimatedGas"])
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	backend.verify = types.Invalid(types.ErrExpired, "authorization expired")
	w = do(t, h, http.MethodPost, "/verify", verifyBody, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, types.ErrExpired, decodeBody(t, w)["invalidReason"])

	backend.verify = types.Invalid(types.ErrNetworkError, "rpc down at 10.0.0.1")
	w = do(t, h, http.MethodPost, "/verify", verifyBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body = decodeBody(t, w)
	assert.NotEmpty(t, body["correlationId"])
	assert.NotContains(t, w.Body.String(), "10.0.0.1")

	w = do(t, h, http.MethodPost, "/verify", `{"x402Version": 1, "bogus": true}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.ErrInvalidPayload, decodeBody(t, w)["error"])
}

func TestSettleEndpoint(t *testing.T) {
	id := common.HexToHash("0xabc")
	backend := &fakeBackend{settle: &types.SettlementResult{Success: true, PaymentID: id, NetworkId: "eip155:84532"}}
	h := New(backend).Handler()

	body := strings.Replace(verifyBody, `"x402Version": 1,`,
		`"x402Version": 1, "paymentId": "`+id.Hex()+`", "transferProof": {"network": "base-sepolia", "txHash": "`+id.Hex()+`"},`, 1)

	w := do(t, h, http.MethodPost, "/settle", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody(t, w)["success"])
	require.NotNil(t, backend.lastSettle.PaymentID)
	assert.Equal(t, id, *backend.lastSettle.PaymentID)
	assert.Equal(t, id, backend.lastSettle.TransferProof.TxHash)

	backend.settle = &types.SettlementResult{Success: false, Error: types.ErrAlreadyRecorded, PaymentID: id}
	w = do(t, h, http.MethodPost, "/settle", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	backend.settle = &types.SettlementResult{Success: false, Error: types.ErrSettlementFailed, Reason: types.ErrTransferMismatch}
	w = do(t, h, http.MethodPost, "/settle", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, types.ErrTransferMismatch, decodeBody(t, w)["reason"])

	// recorded, but the database failed while marking it settled
	backend.settle = &types.SettlementResult{
		Success:   false,
		Error:     types.ErrSettlementFailed,
		Reason:    types.ErrNetworkError,
		Message:   "payment recorded but not marked settled: dial tcp 10.0.0.5:5432: connection refused",
		PaymentID: id,
	}
	w = do(t, h, http.MethodPost, "/settle", body, map[string]string{"X-Request-Id": "req-77"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	out := decodeBody(t, w)
	assert.Equal(t, "req-77", out["correlationId"])
	assert.NotContains(t, out["message"], "dial tcp")

	backend.settle = &types.SettlementResult{Success: false, Error: types.ErrSettlementFailed, Reason: types.ErrVersionMismatch}
	w = do(t, h, http.MethodPost, "/settle", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	backend := &fakeBackend{statusOf: map[common.Hash]*types.PaymentStatus{
		knownID: {PaymentID: knownID, Status: types.StatusSettled, AmountHuman: "0.001"},
	}}
	h := New(backend).Handler()

	w := do(t, h, http.MethodGet, "/status/"+knownID.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "settled", decodeBody(t, w)["status"])

	w = do(t, h, http.MethodGet, "/status/"+common.HexToHash("0x02").Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.ErrPaymentNotFound, decodeBody(t, w)["error"])

	w = do(t, h, http.MethodGet, "/status/0x1234", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	backend.err = assert.AnError
	w = do(t, h, http.MethodGet, "/status/"+common.HexToHash("0x03").Hex(), "", map[string]string{
		"X-Request-Id": "6f1c2f34-5d8e-4d3e-9a71-0c1d2e3f4a5b",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "6f1c2f34-5d8e-4d3e-9a71-0c1d2e3f4a5b", decodeBody(t, w)["correlationId"])
}

func TestMerchantPaymentsAndSupported(t *testing.T) {
	backend := &fakeBackend{payments: []common.Hash{knownID}}
	reg := prometheus.NewRegistry()
	h := New(backend, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))).Handler()

	w := do(t, h, http.MethodGet, "/merchants/"+merchant.Hex()+"/payments", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{knownID.Hex()}, decodeBody(t, w)["payments"])

	backend.payments = nil
	w = do(t, h, http.MethodGet, "/merchants/"+merchant.Hex()+"/payments", "", nil)
	assert.Equal(t, []any{}, decodeBody(t, w)["payments"])

	w = do(t, h, http.MethodGet, "/merchants/nope/payments", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/supported", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eip155:84532")

	w = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsRouteIsOptional(t *testing.T) {
	h := New(&fakeBackend{}).Handler()
	w := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

const pricingJSON = `{
	"payTo": "0x0000000000000000000000000000000000000b01",
	"network": "base-sepolia",
	"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	"decimals": 6,
	"maxTimeoutSeconds": 300,
	"resources": {"/weather": {"price": "0.001", "description": "Current weather"}}
}`

func paidRouter(t *testing.T, f Facilitator) *gin.Engine {
	t.Helper()
	pricing, err := config.ParsePricing([]byte(pricingJSON))
	require.NoError(t, err)

	r := gin.New()
	r.Use(PaymentMiddleware(pricing, f))
	r.GET("/weather", func(c *gin.Context) {
		res := c.MustGet(SettlementKey).(*types.SettlementResult)
		c.JSON(http.StatusOK, gin.H{"forecast": "sunny", "paymentId": res.PaymentID})
	})
	r.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})
	return r
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	header, err := encoding.EncodePayment(types.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: types.ExactPayload{
			Signature: make([]byte, 65),
			Authorization: types.Authorization{
				From:  payer,
				To:    merchant,
				Value: types.Uint256FromUint64(1000),
			},
		},
	})
	require.NoError(t, err)
	return header
}

func TestPaymentMiddlewareChallenge(t *testing.T) {
	r := paidRouter(t, &fakeBackend{})

	w := do(t, r, http.MethodGet, "/weather", "", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	req, err := encoding.DecodeRequirement(w.Header().Get(HeaderPaymentRequirements))
	require.NoError(t, err)
	assert.Equal(t, "1000", req.MaxAmountRequired.String())
	assert.Equal(t, merchant, req.PayTo)

	body := decodeBody(t, w)
	assert.Equal(t, codePaymentRequired, body["error"])
	assert.NotEmpty(t, body["message"])
	assert.NotNil(t, body["paymentRequirements"])

	w = do(t, r, http.MethodGet, "/free", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", w.Body.String())
}

func TestPaymentMiddlewarePaid(t *testing.T) {
	id := common.HexToHash("0xabc")
	backend := &fakeBackend{
		verify: &types.VerificationResult{IsValid: true, Payer: payer},
		settle: &types.SettlementResult{Success: true, PaymentID: id, Payer: payer},
	}
	r := paidRouter(t, backend)

	proof, err := encoding.EncodeTransferProof(types.TransferProof{Network: "base-sepolia", TxHash: id})
	require.NoError(t, err)

	w := do(t, r, http.MethodGet, "/weather", "", map[string]string{
		HeaderPayment:      paymentHeader(t),
		HeaderPaymentProof: proof,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "sunny", decodeBody(t, w)["forecast"])

	settled, err := encoding.DecodeSettlement(w.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, id, settled.PaymentID)

	// no proof
	w = do(t, r, http.MethodGet, "/weather", "", map[string]string{HeaderPayment: paymentHeader(t)})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, types.ErrMissingTransferProof, decodeBody(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get(HeaderPaymentRequirements))
}

func TestPaymentMiddlewareRejects(t *testing.T) {
	backend := &fakeBackend{verify: types.Invalid(types.ErrInsufficientAmount, "value below maxAmountRequired")}
	r := paidRouter(t, backend)

	w := do(t, r, http.MethodGet, "/weather", "", map[string]string{HeaderPayment: paymentHeader(t)})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, types.ErrInsufficientAmount, decodeBody(t, w)["error"])

	w = do(t, r, http.MethodGet, "/weather", "", map[string]string{HeaderPayment: "!!!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.ErrInvalidEncoding, decodeBody(t, w)["error"])

	backend.verify = types.Invalid(types.ErrNetworkError, "token lookup failed")
	w = do(t, r, http.MethodGet, "/weather", "", map[string]string{HeaderPayment: paymentHeader(t)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["correlationId"])

	// verification passed but the settle step hit a transient failure
	proof, err := encoding.EncodeTransferProof(types.TransferProof{Network: "base-sepolia", TxHash: knownID})
	require.NoError(t, err)
	backend.verify = &types.VerificationResult{IsValid: true, Payer: payer}
	backend.settle = &types.SettlementResult{Error: types.ErrSettlementFailed, Reason: types.ErrNetworkError, Message: "dial tcp: refused"}
	w = do(t, r, http.MethodGet, "/weather", "", map[string]string{HeaderPayment: paymentHeader(t), HeaderPaymentProof: proof})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["correlationId"])
	assert.Equal(t, "temporarily unavailable, retry later", body["message"])
}
