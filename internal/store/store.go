// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account, instrument, or position
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by ApplyTrade when the guarded update
	// matched zero rows — the account was concurrently modified since the
	// snapshot was read. Retryable, not a business failure.
	ErrVersionConflict = errors.New("store: account version conflict")
)

// TradeMutation is the atomic unit the engine hands to the store: one
// conditional account update, one position upsert, and one audit append,
// committed together or not at all. All new values were computed by the
// engine from a snapshot taken at ExpectedVersion; the version guard makes
// them safe to write absolutely.
type TradeMutation struct {
	AuditID     string
	AccountID   string
	Symbol      string
	Kind        string // model.KindBuy or model.KindSell
	Quantity    int64
	UnitPrice   decimal.Decimal
	TotalAmount decimal.Decimal

	ExpectedVersion int64

	NewXP          int64
	NewLevel       int64
	NewPositionQty int64
	NewCostBasis   decimal.Decimal

	CreatedAt time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer in front of it.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Account opening itself is an
	// external concern; this exists for seeding and tests.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Instrument catalog ---

	// UpsertInstrument creates or replaces an instrument.
	UpsertInstrument(ctx context.Context, ins *model.Instrument) error

	// GetInstrument retrieves an instrument by symbol.
	GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns the full catalog.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// SetPrice updates an instrument's current price. Called by the price
	// oracle collaborator, never by the engine.
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal) error

	// --- Positions ---

	// GetPosition retrieves one position, including retained zero-quantity
	// rows.
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositions returns an account's open positions. Zero-quantity
	// rows are retained in storage but excluded here.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Atomic trade commit ---

	// ApplyTrade commits a trade mutation in one atomic unit: the
	// version-guarded account update (with the balance check repeated
	// inside the guard), the position upsert (quantity re-verified for
	// sells), and the audit append with its chain checksum. Returns the
	// committed audit record, or ErrVersionConflict if a racing writer
	// won.
	ApplyTrade(ctx context.Context, m *TradeMutation) (*model.AuditRecord, error)

	// --- Immutable audit ledger (read side) ---

	// AuditByAccount returns an account's audit records in commit order.
	AuditByAccount(ctx context.Context, accountID string) ([]model.AuditRecord, error)
}
