// Package ledger implements the account ledger engine: atomic, retryable
// Buy and Sell mutations over cash balances and positions, every accepted
// trade mirrored into an append-only audit ledger.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/reward"
	"github.com/papertrade/ledger-engine/internal/store"
)

// costBasisPlaces bounds the precision of the weighted-average division.
const costBasisPlaces = 8

// Result is returned for an accepted trade.
type Result struct {
	AuditID     string          `json:"audit_id"`
	Kind        string          `json:"kind"`
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Proceeds    decimal.Decimal `json:"proceeds"` // sells only; zero for buys
	PositionQty int64           `json:"position_qty"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	XPEarned    int64           `json:"xp_earned"`
	XP          int64           `json:"xp"`
	Level       int64           `json:"level"`
}

// Event describes a committed mutation for read-side collaborators
// (display caches, websocket feeds). Emitted after commit, never before.
type Event struct {
	AuditID     string          `json:"audit_id"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Kind        string          `json:"kind"`
	Quantity    int64           `json:"quantity"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	PositionQty int64           `json:"position_qty"`
	XP          int64           `json:"xp"`
	Level       int64           `json:"level"`
}

// Notifier receives post-commit events. Implementations must not block;
// the engine calls it on the request path.
type Notifier interface {
	AccountChanged(Event)
}

// Engine executes Buy and Sell. It holds no locks of its own: all
// cross-request coordination happens through the store's atomic
// ApplyTrade and the account version guard, with conflicts retried by
// the Coordinator.
type Engine struct {
	store    store.Store
	rewards  reward.Config
	retry    Coordinator
	notifier Notifier // optional
}

// New creates an engine. Pass nil for notifier if no read-side layer
// subscribes to commit events.
func New(st store.Store, rewards reward.Config, retry Coordinator, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		rewards:  rewards,
		retry:    retry,
		notifier: notifier,
	}
}

// Buy purchases quantity units of symbol for accountID at the catalog's
// current price, debiting the cash balance.
func (e *Engine) Buy(ctx context.Context, accountID, symbol string, quantity int64) (*Result, error) {
	return e.trade(ctx, accountID, symbol, model.KindBuy, quantity)
}

// Sell disposes of quantity units of symbol, crediting the proceeds.
func (e *Engine) Sell(ctx context.Context, accountID, symbol string, quantity int64) (*Result, error) {
	return e.trade(ctx, accountID, symbol, model.KindSell, quantity)
}

func (e *Engine) trade(ctx context.Context, accountID, symbol, kind string, quantity int64) (*Result, error) {
	start := time.Now()

	// Validation: rejected before any storage is touched.
	if quantity <= 0 {
		metrics.TradeRejections.WithLabelValues(string(ReasonInvalidQuantity)).Inc()
		return nil, ErrInvalidQuantity
	}

	// Price resolution happens outside the atomic unit: the price is
	// advisory input, and keeping catalog reads out of the transaction
	// keeps it tight.
	ins, err := e.store.GetInstrument(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		metrics.TradeRejections.WithLabelValues(string(ReasonInstrumentNotFound)).Inc()
		return nil, ErrInstrumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve instrument %s: %w", symbol, err)
	}

	unitPrice := ins.Price
	totalAmount := unitPrice.Mul(decimal.NewFromInt(quantity))

	var result *Result
	attempts, err := e.retry.Do(ctx, func(ctx context.Context) error {
		r, err := e.attempt(ctx, accountID, symbol, kind, quantity, unitPrice, totalAmount)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyExhausted) {
			metrics.RetriesExhausted.Inc()
			slog.Warn("trade retries exhausted",
				"account", accountID, "symbol", symbol, "kind", kind,
				"qty", quantity, "attempts", attempts)
		} else if reason, ok := ReasonOf(err); ok {
			metrics.TradeRejections.WithLabelValues(string(reason)).Inc()
		} else if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			slog.Error("trade failed",
				"account", accountID, "symbol", symbol, "kind", kind,
				"qty", quantity, "attempts", attempts, "err", err)
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(kind).Inc()
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"audit_id", result.AuditID,
		"account", accountID,
		"symbol", symbol,
		"kind", kind,
		"qty", quantity,
		"total", totalAmount.String(),
		"balance", result.NewBalance.String(),
		"attempts", attempts,
	)

	if e.notifier != nil {
		e.notifier.AccountChanged(Event{
			AuditID:     result.AuditID,
			AccountID:   accountID,
			Symbol:      symbol,
			Kind:        kind,
			Quantity:    quantity,
			NewBalance:  result.NewBalance,
			PositionQty: result.PositionQty,
			XP:          result.XP,
			Level:       result.Level,
		})
	}

	return result, nil
}

// attempt is one pass through the atomic unit. It reads a snapshot,
// applies business checks against it, and hands the store a mutation
// guarded by the snapshot's version. A store.ErrVersionConflict return
// means a racing writer committed first; the coordinator re-runs this
// function against the new state.
func (e *Engine) attempt(ctx context.Context, accountID, symbol, kind string, quantity int64,
	unitPrice, totalAmount decimal.Decimal) (*Result, error) {

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", accountID, err)
	}

	position, err := e.store.GetPosition(ctx, accountID, symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read position %s/%s: %w", accountID, symbol, err)
	}

	var heldQty int64
	heldBasis := decimal.Zero
	if position != nil {
		heldQty = position.Quantity
		heldBasis = position.CostBasis
	}

	// Business checks against the snapshot. The store repeats them inside
	// the guarded statements, so a stale snapshot can only cause a
	// retryable conflict, never a negative balance or quantity.
	var newQty int64
	newBasis := heldBasis
	var xpAward int64

	switch kind {
	case model.KindBuy:
		if account.CashBalance.LessThan(totalAmount) {
			return nil, ErrInsufficientFunds
		}
		newQty = heldQty + quantity
		if heldQty == 0 {
			newBasis = unitPrice
		} else {
			held := heldBasis.Mul(decimal.NewFromInt(heldQty))
			newBasis = held.Add(totalAmount).DivRound(decimal.NewFromInt(newQty), costBasisPlaces)
		}
		xpAward = e.rewards.BuyXP
	case model.KindSell:
		if position == nil || heldQty < quantity {
			return nil, ErrInsufficientPosition
		}
		newQty = heldQty - quantity
		xpAward = e.rewards.SellXP
	default:
		return nil, fmt.Errorf("unknown trade kind %q", kind)
	}

	newXP, newLevel := e.rewards.Apply(account.XP, account.Level, xpAward)

	record, err := e.store.ApplyTrade(ctx, &store.TradeMutation{
		AuditID:         uuid.New().String(),
		AccountID:       accountID,
		Symbol:          symbol,
		Kind:            kind,
		Quantity:        quantity,
		UnitPrice:       unitPrice,
		TotalAmount:     totalAmount,
		ExpectedVersion: account.Version,
		NewXP:           newXP,
		NewLevel:        newLevel,
		NewPositionQty:  newQty,
		NewCostBasis:    newBasis,
		CreatedAt:       time.Now().UTC(),
	})
	if errors.Is(err, store.ErrVersionConflict) {
		metrics.VersionConflicts.Inc()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	result := &Result{
		AuditID:     record.ID,
		Kind:        kind,
		Symbol:      symbol,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TotalAmount: totalAmount,
		NewBalance:  record.After.CashBalance,
		Proceeds:    decimal.Zero,
		PositionQty: record.After.PositionQty,
		CostBasis:   record.After.CostBasis,
		XPEarned:    xpAward,
		XP:          newXP,
		Level:       newLevel,
	}
	if kind == model.KindSell {
		result.Proceeds = totalAmount
	}
	return result, nil
}

// Portfolio builds the display read model: open positions marked to
// current catalog prices. Zero denominators short-circuit to zero rather
// than fault.
func (e *Engine) Portfolio(ctx context.Context, accountID string) ([]model.PortfolioEntry, error) {
	positions, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", accountID, err)
	}

	hundred := decimal.NewFromInt(100)
	entries := make([]model.PortfolioEntry, 0, len(positions))
	for _, p := range positions {
		entry := model.PortfolioEntry{Position: p}

		ins, err := e.store.GetInstrument(ctx, p.Symbol)
		if err != nil {
			// Delisted instrument: position shown at cost.
			entry.CurrentPrice = p.CostBasis
		} else {
			entry.CurrentPrice = ins.Price
		}

		qty := decimal.NewFromInt(p.Quantity)
		entry.MarketValue = entry.CurrentPrice.Mul(qty)
		cost := p.CostBasis.Mul(qty)
		entry.UnrealizedPnL = entry.MarketValue.Sub(cost)

		entry.PnLPercent = decimal.Zero
		if !cost.IsZero() {
			entry.PnLPercent = entry.UnrealizedPnL.DivRound(cost, 4).Mul(hundred)
		}

		entries = append(entries, entry)
	}
	return entries, nil
}
