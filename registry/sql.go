package registry

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/types"
)

// Schema creates the tables used by SQLStore (PostgreSQL dialect).
const Schema = `
CREATE TABLE IF NOT EXISTS registry_roles (
	role    TEXT NOT NULL,
	account TEXT NOT NULL,
	PRIMARY KEY (role, account)
);
CREATE TABLE IF NOT EXISTS payment_requirements (
	owner               TEXT NOT NULL,
	resource            TEXT NOT NULL,
	scheme              TEXT NOT NULL,
	network             TEXT NOT NULL,
	max_amount_required TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	mime_type           TEXT NOT NULL DEFAULT '',
	pay_to              TEXT NOT NULL,
	max_timeout_seconds BIGINT NOT NULL,
	asset               TEXT NOT NULL,
	is_active           BOOLEAN NOT NULL,
	created_at          BIGINT NOT NULL,
	updated_at          BIGINT NOT NULL,
	PRIMARY KEY (owner, resource)
);
CREATE TABLE IF NOT EXISTS payment_records (
	seq              BIGSERIAL,
	payment_id       TEXT PRIMARY KEY,
	requirement_id   TEXT NOT NULL,
	merchant         TEXT NOT NULL,
	resource         TEXT NOT NULL,
	payer            TEXT NOT NULL,
	asset            TEXT NOT NULL,
	amount           TEXT NOT NULL,
	nonce            TEXT NOT NULL,
	origin_chain     TEXT NOT NULL,
	origin_address   TEXT NOT NULL,
	is_origin_remote BOOLEAN NOT NULL,
	recorded_at      BIGINT NOT NULL,
	tx_hash          TEXT NOT NULL,
	proof_network    TEXT NOT NULL,
	settled          BOOLEAN NOT NULL DEFAULT FALSE,
	settlement_ref   TEXT NOT NULL DEFAULT '',
	settled_at       BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS payment_records_merchant_idx ON payment_records (merchant, seq);
CREATE TABLE IF NOT EXISTS consumed_nonces (
	payer      TEXT NOT NULL,
	asset      TEXT NOT NULL,
	nonce      TEXT NOT NULL,
	payment_id TEXT NOT NULL,
	PRIMARY KEY (payer, asset, nonce)
);`

const paymentColumns = `payment_id, requirement_id, merchant, resource, payer, asset, amount, nonce,
	origin_chain, origin_address, is_origin_remote, recorded_at, tx_hash, proof_network,
	settled, settlement_ref, settled_at`

const requirementColumns = `scheme, network, max_amount_required, resource, description, mime_type,
	pay_to, max_timeout_seconds, asset, is_active, created_at, updated_at`

// SQLStore is a Store backed by database/sql.
// Uniqueness of payments and nonces is enforced by primary keys, so several
// facilitator processes can share one database.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the registry tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return types.WrapError(types.ErrInternal, "failed to migrate registry schema", err)
	}
	return nil
}

func (s *SQLStore) HasRole(ctx context.Context, role Role, account common.Address) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM registry_roles WHERE role = $1 AND account = $2)",
		string(role), account.Hex(),
	).Scan(&ok)
	if err != nil {
		return false, dbError(err)
	}
	return ok, nil
}

func (s *SQLStore) GrantRole(ctx context.Context, role Role, account common.Address) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO registry_roles (role, account) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		string(role), account.Hex(),
	)
	return dbError(err)
}

func (s *SQLStore) RevokeRole(ctx context.Context, role Role, account common.Address) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM registry_roles WHERE role = $1 AND account = $2",
		string(role), account.Hex(),
	)
	return dbError(err)
}

func (s *SQLStore) UpsertRequirement(ctx context.Context, owner common.Address, req types.PaymentRequirement) (*types.PaymentRequirement, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO payment_requirements (owner, `+requirementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (owner, resource) DO UPDATE SET
			scheme = EXCLUDED.scheme,
			network = EXCLUDED.network,
			max_amount_required = EXCLUDED.max_amount_required,
			description = EXCLUDED.description,
			mime_type = EXCLUDED.mime_type,
			pay_to = EXCLUDED.pay_to,
			max_timeout_seconds = EXCLUDED.max_timeout_seconds,
			asset = EXCLUDED.asset,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		owner.Hex(), req.Scheme, req.Network, req.MaxAmountRequired.String(), req.Resource,
		req.Description, req.MimeType, req.PayTo.Hex(), req.MaxTimeoutSeconds, req.Asset.Hex(),
		req.IsActive, req.CreatedAt, req.UpdatedAt,
	).Scan(&req.CreatedAt)
	if err != nil {
		return nil, dbError(err)
	}
	req.Merchant = owner
	return &req, nil
}

func (s *SQLStore) GetRequirement(ctx context.Context, owner common.Address, resource string) (*types.PaymentRequirement, error) {
	var (
		req                  types.PaymentRequirement
		amount, payTo, asset string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+requirementColumns+" FROM payment_requirements WHERE owner = $1 AND resource = $2",
		owner.Hex(), resource,
	).Scan(&req.Scheme, &req.Network, &amount, &req.Resource, &req.Description, &req.MimeType,
		&payTo, &req.MaxTimeoutSeconds, &asset, &req.IsActive, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrRequirementNotFound, "no requirement for %s on %s", resource, owner.Hex())
	}
	if err != nil {
		return nil, dbError(err)
	}

	if req.MaxAmountRequired, err = types.ParseUint256(amount); err != nil {
		return nil, types.WrapError(types.ErrInternal, "corrupt requirement amount", err)
	}
	req.PayTo = common.HexToAddress(payTo)
	req.Asset = common.HexToAddress(asset)
	req.Merchant = owner
	return &req, nil
}

func (s *SQLStore) SetRequirementActive(ctx context.Context, owner common.Address, resource string, active bool, updatedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_requirements SET is_active = $3, updated_at = $4 WHERE owner = $1 AND resource = $2",
		owner.Hex(), resource, active, updatedAt,
	)
	if err != nil {
		return dbError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return dbError(err)
	} else if n == 0 {
		return types.NewError(types.ErrRequirementNotFound, "no requirement for %s on %s", resource, owner.Hex())
	}
	return nil
}

// InsertPayment writes the record and consumes its nonce in one transaction.
func (s *SQLStore) InsertPayment(ctx context.Context, rec types.PaymentRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payment_records (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE, '', 0)
		ON CONFLICT (payment_id) DO NOTHING`,
		rec.PaymentID.Hex(), rec.RequirementID.Hex(), rec.Merchant.Hex(), rec.Resource,
		rec.Payer.Hex(), rec.Asset.Hex(), rec.Amount.String(), rec.Nonce.Hex(),
		rec.OriginChain, rec.OriginAddress, rec.IsOriginRemote, rec.Timestamp,
		rec.TxHash.Hex(), rec.ProofNetwork,
	)
	if err != nil {
		return dbError(err)
	}
	if n, rerr := res.RowsAffected(); rerr != nil {
		return dbError(rerr)
	} else if n == 0 {
		return types.NewError(types.ErrAlreadyRecorded, "payment %s already recorded", rec.PaymentID.Hex())
	}

	res, err = tx.ExecContext(ctx,
		"INSERT INTO consumed_nonces (payer, asset, nonce, payment_id) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING",
		rec.Payer.Hex(), rec.Asset.Hex(), rec.Nonce.Hex(), rec.PaymentID.Hex(),
	)
	if err != nil {
		return dbError(err)
	}
	if n, rerr := res.RowsAffected(); rerr != nil {
		return dbError(rerr)
	} else if n == 0 {
		return types.NewError(types.ErrNonceAlreadyUsed, "nonce %s already used by %s", rec.Nonce.Hex(), rec.Payer.Hex())
	}

	if err = tx.Commit(); err != nil {
		return dbError(err)
	}
	return nil
}

// MarkSettled flips settled only while it is still false, so two racing callers cannot both succeed.
func (s *SQLStore) MarkSettled(ctx context.Context, id common.Hash, ref common.Hash, settledAt int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_records SET settled = TRUE, settlement_ref = $2, settled_at = $3 WHERE payment_id = $1 AND settled = FALSE",
		id.Hex(), ref.Hex(), settledAt,
	)
	if err != nil {
		return dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err)
	}
	if n == 1 {
		return nil
	}

	var settled bool
	err = s.db.QueryRowContext(ctx, "SELECT settled FROM payment_records WHERE payment_id = $1", id.Hex()).Scan(&settled)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewError(types.ErrPaymentNotFound, "payment %s not found", id.Hex())
	}
	if err != nil {
		return dbError(err)
	}
	return types.NewError(types.ErrAlreadySettled, "payment %s already settled", id.Hex())
}

func (s *SQLStore) GetPayment(ctx context.Context, id common.Hash) (*types.PaymentRecord, error) {
	var (
		rec                                              types.PaymentRecord
		paymentID, requirementID, merchant, payer, asset string
		amount, nonce, txHash, settlementRef             string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payment_records WHERE payment_id = $1", id.Hex(),
	).Scan(&paymentID, &requirementID, &merchant, &rec.Resource, &payer, &asset, &amount, &nonce,
		&rec.OriginChain, &rec.OriginAddress, &rec.IsOriginRemote, &rec.Timestamp, &txHash, &rec.ProofNetwork,
		&rec.Settled, &settlementRef, &rec.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrPaymentNotFound, "payment %s not found", id.Hex())
	}
	if err != nil {
		return nil, dbError(err)
	}

	if rec.Amount, err = types.ParseUint256(amount); err != nil {
		return nil, types.WrapError(types.ErrInternal, "corrupt payment amount", err)
	}
	rec.PaymentID = common.HexToHash(paymentID)
	rec.RequirementID = common.HexToHash(requirementID)
	rec.Merchant = common.HexToAddress(merchant)
	rec.Payer = common.HexToAddress(payer)
	rec.Asset = common.HexToAddress(asset)
	rec.Nonce = common.HexToHash(nonce)
	rec.TxHash = common.HexToHash(txHash)
	if settlementRef != "" {
		rec.SettlementRef = common.HexToHash(settlementRef)
	}
	return &rec, nil
}

func (s *SQLStore) ListMerchantPayments(ctx context.Context, merchant common.Address) ([]common.Hash, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payment_id FROM payment_records WHERE merchant = $1 ORDER BY seq", merchant.Hex())
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	ids := []common.Hash{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbError(err)
		}
		ids = append(ids, common.HexToHash(id))
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return ids, nil
}

func (s *SQLStore) IsNonceUsed(ctx context.Context, payer, asset common.Address, nonce common.Hash) (bool, error) {
	var used bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM consumed_nonces WHERE payer = $1 AND asset = $2 AND nonce = $3)",
		payer.Hex(), asset.Hex(), nonce.Hex(),
	).Scan(&used)
	if err != nil {
		return false, dbError(err)
	}
	return used, nil
}

// dbError classifies driver failures as transient; callers may retry them.
func dbError(err error) error {
	if err == nil {
		return nil
	}
	return types.WrapError(types.ErrNetworkError, "registry database error", err)
}
