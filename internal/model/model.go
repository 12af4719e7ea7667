// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade kinds recorded in the audit ledger.
const (
	KindBuy  = "BUY"
	KindSell = "SELL"
)

// Account holds a player's cash balance and gamification state.
// Version is the sole concurrency-control token: it increases by exactly
// one on every committed mutation, and a conditional update guarded by it
// is how racing writers are detected.
type Account struct {
	ID          string          `json:"id" db:"id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"` // >= 0 always
	Version     int64           `json:"version" db:"version"`
	XP          int64           `json:"xp" db:"xp"`
	Level       int64           `json:"level" db:"level"` // >= 1
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Instrument is a tradable symbol with an externally supplied price.
// Prices are advisory display data maintained by the price oracle; the
// engine only reads them.
type Instrument struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is an account's holding of one instrument. At most one row per
// (account, symbol). Quantity never goes negative. CostBasis is the
// weighted-average purchase price and is meaningless while Quantity == 0;
// zero-quantity rows are retained so the checkpoint chain stays intact.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	CheckpointID string          `json:"checkpoint_id,omitempty" db:"checkpoint_id"` // last audit record id
	Checksum     string          `json:"checksum,omitempty" db:"checksum"`           // that record's chain checksum
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Snapshot captures the state a trade produced, embedded in its audit
// record so positions and balances can be rebuilt from the ledger alone.
type Snapshot struct {
	PositionQty int64           `json:"position_qty"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	XP          int64           `json:"xp"`
	Level       int64           `json:"level"`
}

// AuditRecord is an immutable record of one accepted trade. Once committed
// these rows are never modified or deleted by application code; only the
// out-of-band retention job removes old ones. Checksum chains each record
// to the previous one for the same account.
type AuditRecord struct {
	ID           string          `json:"id" db:"id"`
	Seq          int64           `json:"seq" db:"seq"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Kind         string          `json:"kind" db:"kind"` // BUY or SELL
	Quantity     int64           `json:"quantity" db:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	After        Snapshot        `json:"after"`
	PrevChecksum string          `json:"prev_checksum,omitempty" db:"prev_checksum"`
	Checksum     string          `json:"checksum" db:"checksum"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PortfolioEntry is a display-level view of one position, marked to the
// instrument's current price. Never consulted by the engine itself.
type PortfolioEntry struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"` // 0 when cost basis is zero
}
