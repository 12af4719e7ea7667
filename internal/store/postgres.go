package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is applied by InitSchema. The trigger on audit_records enforces
// append-only at the storage layer: application code cannot update or
// delete history even through a bug. The retention job disables the
// trigger for its range deletes and runs outside this codebase.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	cash_balance NUMERIC NOT NULL CHECK (cash_balance >= 0),
	version      BIGINT  NOT NULL DEFAULT 0,
	xp           BIGINT  NOT NULL DEFAULT 0 CHECK (xp >= 0),
	level        BIGINT  NOT NULL DEFAULT 1 CHECK (level >= 1),
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS instruments (
	symbol     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	price      NUMERIC NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	symbol        TEXT NOT NULL REFERENCES instruments(symbol),
	quantity      BIGINT NOT NULL CHECK (quantity >= 0),
	cost_basis    NUMERIC NOT NULL DEFAULT 0,
	checkpoint_id TEXT,
	checksum      TEXT,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS audit_records (
	id                 TEXT PRIMARY KEY,
	seq                BIGSERIAL,
	account_id         TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	kind               TEXT NOT NULL CHECK (kind IN ('BUY', 'SELL')),
	quantity           BIGINT NOT NULL CHECK (quantity > 0),
	unit_price         NUMERIC NOT NULL,
	total_amount       NUMERIC NOT NULL,
	position_qty_after BIGINT NOT NULL,
	cost_basis_after   NUMERIC NOT NULL,
	balance_after      NUMERIC NOT NULL,
	xp_after           BIGINT NOT NULL,
	level_after        BIGINT NOT NULL,
	prev_checksum      TEXT NOT NULL DEFAULT '',
	checksum           TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_records (account_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records (created_at);

CREATE OR REPLACE FUNCTION audit_records_immutable() RETURNS trigger AS $fn$
BEGIN
	RAISE EXCEPTION 'audit_records is append-only';
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_audit_append_only ON audit_records;
CREATE TRIGGER trg_audit_append_only
	BEFORE UPDATE OR DELETE ON audit_records
	FOR EACH ROW EXECUTE FUNCTION audit_records_immutable();
`

// InitSchema creates tables, indexes, and the append-only trigger.
// Simple protocol: the script is multiple statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol)
	return err
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash_balance, version, xp, level, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7)`,
		a.ID, a.CashBalance.String(), a.Version, a.XP, a.Level, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT, version, xp, level, created_at, updated_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.Version, &a.XP, &a.Level, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	a.CashBalance, _ = decimal.NewFromString(balance)
	return &a, nil
}

// --- Instrument catalog ---

func (s *PostgresStore) UpsertInstrument(ctx context.Context, ins *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (symbol, name, price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (symbol) DO UPDATE
		 SET name = $2, price = $3::NUMERIC, updated_at = $4`,
		ins.Symbol, ins.Name, ins.Price.String(), ins.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	var ins model.Instrument
	var price string

	err := s.pool.QueryRow(ctx,
		`SELECT symbol, name, price::TEXT, updated_at FROM instruments WHERE symbol = $1`, symbol).
		Scan(&ins.Symbol, &ins.Name, &price, &ins.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", symbol, err)
	}

	ins.Price, _ = decimal.NewFromString(price)
	return &ins, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, name, price::TEXT, updated_at FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		var ins model.Instrument
		var price string
		if err := rows.Scan(&ins.Symbol, &ins.Name, &price, &ins.UpdatedAt); err != nil {
			return nil, err
		}
		ins.Price, _ = decimal.NewFromString(price)
		instruments = append(instruments, ins)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) SetPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET price = $2::NUMERIC, updated_at = now() WHERE symbol = $1`,
		symbol, price.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	var p model.Position
	var costBasis string
	var checkpointID, checksum *string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, symbol, quantity, cost_basis::TEXT, checkpoint_id, checksum, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol).
		Scan(&p.AccountID, &p.Symbol, &p.Quantity, &costBasis, &checkpointID, &checksum, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, symbol, err)
	}

	p.CostBasis, _ = decimal.NewFromString(costBasis)
	if checkpointID != nil {
		p.CheckpointID = *checkpointID
	}
	if checksum != nil {
		p.Checksum = *checksum
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, quantity, cost_basis::TEXT, checkpoint_id, checksum, updated_at
		 FROM positions WHERE account_id = $1 AND quantity > 0 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var costBasis string
		var checkpointID, checksum *string
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &costBasis,
			&checkpointID, &checksum, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CostBasis, _ = decimal.NewFromString(costBasis)
		if checkpointID != nil {
			p.CheckpointID = *checkpointID
		}
		if checksum != nil {
			p.Checksum = *checksum
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Atomic trade commit ---

// ApplyTrade runs the whole mutation in one transaction. The account
// update is guarded by the expected version AND a repeated balance check
// in the same statement, so a racing writer makes the update match zero
// rows instead of silently overwriting. Position decrement on sells
// re-verifies quantity the same way.
func (s *PostgresStore) ApplyTrade(ctx context.Context, m *TradeMutation) (*model.AuditRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Version-guarded account update; RETURNING gives the committed
	// balance for the audit snapshot.
	var balanceAfter string
	if m.Kind == model.KindBuy {
		err = tx.QueryRow(ctx,
			`UPDATE accounts
			 SET cash_balance = cash_balance - $3::NUMERIC,
			     xp = $4, level = $5, version = version + 1, updated_at = $6
			 WHERE id = $1 AND version = $2 AND cash_balance >= $3::NUMERIC
			 RETURNING cash_balance::TEXT`,
			m.AccountID, m.ExpectedVersion, m.TotalAmount.String(),
			m.NewXP, m.NewLevel, m.CreatedAt).Scan(&balanceAfter)
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE accounts
			 SET cash_balance = cash_balance + $3::NUMERIC,
			     xp = $4, level = $5, version = version + 1, updated_at = $6
			 WHERE id = $1 AND version = $2
			 RETURNING cash_balance::TEXT`,
			m.AccountID, m.ExpectedVersion, m.TotalAmount.String(),
			m.NewXP, m.NewLevel, m.CreatedAt).Scan(&balanceAfter)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("account update %s: %w", m.AccountID, err)
	}

	// 2. Position upsert. Increments, not absolute writes, so the CHECK
	// constraints hold even if the engine miscomputed.
	if m.Kind == model.KindBuy {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (account_id, symbol, quantity, cost_basis, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (account_id, symbol) DO UPDATE
			 SET quantity = positions.quantity + $3, cost_basis = $4::NUMERIC, updated_at = $5`,
			m.AccountID, m.Symbol, m.Quantity, m.NewCostBasis.String(), m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("position upsert %s/%s: %w", m.AccountID, m.Symbol, err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE positions SET quantity = quantity - $3, updated_at = $4
			 WHERE account_id = $1 AND symbol = $2 AND quantity >= $3`,
			m.AccountID, m.Symbol, m.Quantity, m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("position decrement %s/%s: %w", m.AccountID, m.Symbol, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrVersionConflict
		}
	}

	// 3. Previous checksum for this account's chain. Per-account writes
	// are serialized by the version guard, so the last committed record
	// is stable within this transaction.
	var prevChecksum string
	err = tx.QueryRow(ctx,
		`SELECT checksum FROM audit_records WHERE account_id = $1 ORDER BY seq DESC LIMIT 1`,
		m.AccountID).Scan(&prevChecksum)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prev checksum %s: %w", m.AccountID, err)
	}

	balance, _ := decimal.NewFromString(balanceAfter)
	record := &model.AuditRecord{
		ID:          m.AuditID,
		AccountID:   m.AccountID,
		Symbol:      m.Symbol,
		Kind:        m.Kind,
		Quantity:    m.Quantity,
		UnitPrice:   m.UnitPrice,
		TotalAmount: m.TotalAmount,
		After: model.Snapshot{
			PositionQty: m.NewPositionQty,
			CostBasis:   m.NewCostBasis,
			CashBalance: balance,
			XP:          m.NewXP,
			Level:       m.NewLevel,
		},
		PrevChecksum: prevChecksum,
		CreatedAt:    m.CreatedAt,
	}
	record.Checksum = ChainChecksum(record, prevChecksum)

	// 4. Append the audit record.
	err = tx.QueryRow(ctx,
		`INSERT INTO audit_records
		 (id, account_id, symbol, kind, quantity, unit_price, total_amount,
		  position_qty_after, cost_basis_after, balance_after, xp_after, level_after,
		  prev_checksum, checksum, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC,
		         $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15)
		 RETURNING seq`,
		record.ID, record.AccountID, record.Symbol, record.Kind, record.Quantity,
		record.UnitPrice.String(), record.TotalAmount.String(),
		record.After.PositionQty, record.After.CostBasis.String(),
		record.After.CashBalance.String(), record.After.XP, record.After.Level,
		record.PrevChecksum, record.Checksum, record.CreatedAt).Scan(&record.Seq)
	if err != nil {
		return nil, fmt.Errorf("audit append %s: %w", m.AccountID, err)
	}

	// 5. Anchor the position to the record that produced it.
	_, err = tx.Exec(ctx,
		`UPDATE positions SET checkpoint_id = $3, checksum = $4
		 WHERE account_id = $1 AND symbol = $2`,
		m.AccountID, m.Symbol, record.ID, record.Checksum)
	if err != nil {
		return nil, fmt.Errorf("position checkpoint %s/%s: %w", m.AccountID, m.Symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trade tx: %w", err)
	}
	return record, nil
}

// --- Audit reads ---

func (s *PostgresStore) AuditByAccount(ctx context.Context, accountID string) ([]model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, account_id, symbol, kind, quantity,
		        unit_price::TEXT, total_amount::TEXT,
		        position_qty_after, cost_basis_after::TEXT, balance_after::TEXT,
		        xp_after, level_after, prev_checksum, checksum, created_at
		 FROM audit_records WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var unitPrice, total, costBasis, balance string

		if err := rows.Scan(&r.ID, &r.Seq, &r.AccountID, &r.Symbol, &r.Kind, &r.Quantity,
			&unitPrice, &total, &r.After.PositionQty, &costBasis, &balance,
			&r.After.XP, &r.After.Level, &r.PrevChecksum, &r.Checksum, &r.CreatedAt); err != nil {
			return nil, err
		}

		r.UnitPrice, _ = decimal.NewFromString(unitPrice)
		r.TotalAmount, _ = decimal.NewFromString(total)
		r.After.CostBasis, _ = decimal.NewFromString(costBasis)
		r.After.CashBalance, _ = decimal.NewFromString(balance)

		records = append(records, r)
	}
	return records, rows.Err()
}
