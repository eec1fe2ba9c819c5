package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/types"
)

// Role is a capability granted to an account.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleResourceOwner Role = "resource_owner"
	RoleFacilitator   Role = "facilitator"
)

// Store persists registry state. Implementations must make InsertPayment atomic:
// the record and its nonce are written together or not at all.
type Store interface {
	HasRole(ctx context.Context, role Role, account common.Address) (bool, error)
	GrantRole(ctx context.Context, role Role, account common.Address) error
	RevokeRole(ctx context.Context, role Role, account common.Address) error

	// UpsertRequirement stores req under (owner, req.Resource) and returns the stored value.
	// CreatedAt of an existing entry is preserved.
	UpsertRequirement(ctx context.Context, owner common.Address, req types.PaymentRequirement) (*types.PaymentRequirement, error)
	GetRequirement(ctx context.Context, owner common.Address, resource string) (*types.PaymentRequirement, error)
	SetRequirementActive(ctx context.Context, owner common.Address, resource string, active bool, updatedAt int64) error

	InsertPayment(ctx context.Context, rec types.PaymentRecord) error
	MarkSettled(ctx context.Context, id common.Hash, ref common.Hash, settledAt int64) error
	GetPayment(ctx context.Context, id common.Hash) (*types.PaymentRecord, error)
	ListMerchantPayments(ctx context.Context, merchant common.Address) ([]common.Hash, error)
	IsNonceUsed(ctx context.Context, payer, asset common.Address, nonce common.Hash) (bool, error)
}

type nonceKey struct {
	payer common.Address
	asset common.Address
	nonce common.Hash
}

// MemoryStore is an in-process Store guarded by a single lock.
type MemoryStore struct {
	mu               sync.RWMutex
	roles            map[Role]map[common.Address]bool
	requirements     map[common.Hash]types.PaymentRequirement
	payments         map[common.Hash]types.PaymentRecord
	merchantPayments map[common.Address][]common.Hash
	nonces           map[nonceKey]common.Hash
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:            make(map[Role]map[common.Address]bool),
		requirements:     make(map[common.Hash]types.PaymentRequirement),
		payments:         make(map[common.Hash]types.PaymentRecord),
		merchantPayments: make(map[common.Address][]common.Hash),
		nonces:           make(map[nonceKey]common.Hash),
	}
}

func (m *MemoryStore) HasRole(_ context.Context, role Role, account common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[role][account], nil
}

func (m *MemoryStore) GrantRole(_ context.Context, role Role, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[role] == nil {
		m.roles[role] = make(map[common.Address]bool)
	}
	m.roles[role][account] = true
	return nil
}

func (m *MemoryStore) RevokeRole(_ context.Context, role Role, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles[role], account)
	return nil
}

func (m *MemoryStore) UpsertRequirement(_ context.Context, owner common.Address, req types.PaymentRequirement) (*types.PaymentRequirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Merchant = owner
	id := types.RequirementID(owner, req.Resource)
	if existing, ok := m.requirements[id]; ok {
		req.CreatedAt = existing.CreatedAt
	}
	m.requirements[id] = req
	return &req, nil
}

func (m *MemoryStore) GetRequirement(_ context.Context, owner common.Address, resource string) (*types.PaymentRequirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requirements[types.RequirementID(owner, resource)]
	if !ok {
		return nil, types.NewError(types.ErrRequirementNotFound, "no requirement for %s on %s", resource, owner.Hex())
	}
	return &req, nil
}

func (m *MemoryStore) SetRequirementActive(_ context.Context, owner common.Address, resource string, active bool, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := types.RequirementID(owner, resource)
	req, ok := m.requirements[id]
	if !ok {
		return types.NewError(types.ErrRequirementNotFound, "no requirement for %s on %s", resource, owner.Hex())
	}
	req.IsActive = active
	req.UpdatedAt = updatedAt
	m.requirements[id] = req
	return nil
}

func (m *MemoryStore) InsertPayment(_ context.Context, rec types.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[rec.PaymentID]; ok {
		return types.NewError(types.ErrAlreadyRecorded, "payment %s already recorded", rec.PaymentID.Hex())
	}

	key := nonceKey{payer: rec.Payer, asset: rec.Asset, nonce: rec.Nonce}
	if _, ok := m.nonces[key]; ok {
		return types.NewError(types.ErrNonceAlreadyUsed, "nonce %s already used by %s", rec.Nonce.Hex(), rec.Payer.Hex())
	}

	m.payments[rec.PaymentID] = rec
	m.nonces[key] = rec.PaymentID
	m.merchantPayments[rec.Merchant] = append(m.merchantPayments[rec.Merchant], rec.PaymentID)
	return nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, id common.Hash, ref common.Hash, settledAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.payments[id]
	if !ok {
		return types.NewError(types.ErrPaymentNotFound, "payment %s not found", id.Hex())
	}
	if rec.Settled {
		return types.NewError(types.ErrAlreadySettled, "payment %s already settled", id.Hex())
	}

	rec.Settled = true
	rec.SettlementRef = ref
	rec.SettledAt = settledAt
	m.payments[id] = rec
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id common.Hash) (*types.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.payments[id]
	if !ok {
		return nil, types.NewError(types.ErrPaymentNotFound, "payment %s not found", id.Hex())
	}
	return &rec, nil
}

func (m *MemoryStore) ListMerchantPayments(_ context.Context, merchant common.Address) ([]common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.merchantPayments[merchant]
	out := make([]common.Hash, len(ids))
	copy(out, ids)
	return out, nil
}

func (m *MemoryStore) IsNonceUsed(_ context.Context, payer, asset common.Address, nonce common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.nonces[nonceKey{payer: payer, asset: asset, nonce: nonce}]
	return ok, nil
}
