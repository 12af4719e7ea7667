package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/reward"
	"github.com/papertrade/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testCoordinator() ledger.Coordinator {
	return ledger.Coordinator{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

// newTestEngine creates an Engine over the in-memory store with the
// standard test reward policy.
func newTestEngine(t *testing.T) (*ledger.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	rewards := reward.Config{BuyXP: 10, SellXP: 10, LevelBaseXP: 1000}
	return ledger.New(ms, rewards, testCoordinator(), nil), ms
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	now := time.Now().UTC()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:          id,
		CashBalance: d(balance),
		Version:     0,
		XP:          0,
		Level:       1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func seedInstrument(t *testing.T, ms *store.MemoryStore, symbol string, price float64) {
	t.Helper()
	err := ms.UpsertInstrument(context.Background(), &model.Instrument{
		Symbol:    symbol,
		Name:      symbol + " Corp",
		Price:     d(price),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
}

func auditCount(t *testing.T, ms *store.MemoryStore, accountID string) int {
	t.Helper()
	records, err := ms.AuditByAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("failed to read audit: %v", err)
	}
	return len(records)
}

func TestBuyDebitsBalanceAndRecordsAudit(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	res, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 3)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	if !res.NewBalance.Equal(d(700)) {
		t.Errorf("new balance = %s, want 700", res.NewBalance)
	}
	if res.PositionQty != 3 {
		t.Errorf("position qty = %d, want 3", res.PositionQty)
	}
	if !res.CostBasis.Equal(d(100)) {
		t.Errorf("cost basis = %s, want 100", res.CostBasis)
	}
	if res.XPEarned != 10 || res.XP != 10 {
		t.Errorf("xp earned = %d, xp = %d, want 10, 10", res.XPEarned, res.XP)
	}

	if n := auditCount(t, ms, "acct1"); n != 1 {
		t.Errorf("audit records = %d, want 1", n)
	}

	a, err := ms.GetAccount(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("account version = %d, want 1", a.Version)
	}
}

func TestSellCreditsProceeds(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 5); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	res, err := eng.Sell(context.Background(), "acct1", "NIMBUS", 2)
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}

	if !res.Proceeds.Equal(d(200)) {
		t.Errorf("proceeds = %s, want 200", res.Proceeds)
	}
	if !res.NewBalance.Equal(d(700)) {
		t.Errorf("new balance = %s, want 700", res.NewBalance)
	}
	if res.PositionQty != 3 {
		t.Errorf("position qty = %d, want 3", res.PositionQty)
	}
}

func TestRejectionsTouchNoState(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 100)
	seedInstrument(t, ms, "NIMBUS", 100)

	tests := []struct {
		name string
		call func() (*ledger.Result, error)
		want *ledger.TradeError
	}{
		{"zero quantity", func() (*ledger.Result, error) {
			return eng.Buy(context.Background(), "acct1", "NIMBUS", 0)
		}, ledger.ErrInvalidQuantity},
		{"negative quantity", func() (*ledger.Result, error) {
			return eng.Buy(context.Background(), "acct1", "NIMBUS", -5)
		}, ledger.ErrInvalidQuantity},
		{"unknown instrument", func() (*ledger.Result, error) {
			return eng.Buy(context.Background(), "acct1", "GHOST", 1)
		}, ledger.ErrInstrumentNotFound},
		{"insufficient funds", func() (*ledger.Result, error) {
			return eng.Buy(context.Background(), "acct1", "NIMBUS", 2)
		}, ledger.ErrInsufficientFunds},
		{"sell with no position", func() (*ledger.Result, error) {
			return eng.Sell(context.Background(), "acct1", "NIMBUS", 1)
		}, ledger.ErrInsufficientPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.call()
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// No audit record is ever created for a rejected trade.
	if n := auditCount(t, ms, "acct1"); n != 0 {
		t.Errorf("audit records after rejections = %d, want 0", n)
	}

	a, _ := ms.GetAccount(context.Background(), "acct1")
	if !a.CashBalance.Equal(d(100)) || a.Version != 0 {
		t.Errorf("account mutated by rejected trades: balance %s version %d", a.CashBalance, a.Version)
	}
}

func TestBuyExactBalanceLeavesZero(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 600)
	seedInstrument(t, ms, "NIMBUS", 100)

	res, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 6)
	if err != nil {
		t.Fatalf("Buy at exact balance failed: %v", err)
	}
	if !res.NewBalance.IsZero() {
		t.Errorf("new balance = %s, want 0", res.NewBalance)
	}
}

func TestSellExactQuantityRetainsPositionRow(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 4); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	res, err := eng.Sell(context.Background(), "acct1", "NIMBUS", 4)
	if err != nil {
		t.Fatalf("Sell of exact quantity failed: %v", err)
	}
	if res.PositionQty != 0 {
		t.Errorf("position qty = %d, want 0", res.PositionQty)
	}

	// The zero-quantity row is retained (checkpoint chain) but excluded
	// from default listings.
	p, err := ms.GetPosition(context.Background(), "acct1", "NIMBUS")
	if err != nil {
		t.Fatalf("zero-quantity position was deleted: %v", err)
	}
	if p.Quantity != 0 || p.CheckpointID == "" {
		t.Errorf("retained position: qty %d checkpoint %q", p.Quantity, p.CheckpointID)
	}

	listed, err := ms.ListPositions(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("ListPositions failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("zero-quantity position appears in listing: %v", listed)
	}
}

func TestWeightedAverageCostBasis(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 10000)
	seedInstrument(t, ms, "NIMBUS", 100)

	// Two buys at the same price keep the basis at that price.
	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 10); err != nil {
		t.Fatalf("first Buy failed: %v", err)
	}
	res, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 10)
	if err != nil {
		t.Fatalf("second Buy failed: %v", err)
	}
	if res.PositionQty != 20 || !res.CostBasis.Equal(d(100)) {
		t.Errorf("after equal-price buys: qty %d basis %s, want 20 and 100", res.PositionQty, res.CostBasis)
	}

	// A third buy at a higher price moves the weighted average:
	// (100*20 + 200*10) / 30 = 133.33333333
	if err := ms.SetPrice(context.Background(), "NIMBUS", d(200)); err != nil {
		t.Fatalf("SetPrice failed: %v", err)
	}
	res, err = eng.Buy(context.Background(), "acct1", "NIMBUS", 10)
	if err != nil {
		t.Fatalf("third Buy failed: %v", err)
	}
	want, _ := decimal.NewFromString("133.33333333")
	if !res.CostBasis.Equal(want) {
		t.Errorf("weighted basis = %s, want %s", res.CostBasis, want)
	}

	// Selling leaves the basis untouched.
	res, err = eng.Sell(context.Background(), "acct1", "NIMBUS", 5)
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if !res.CostBasis.Equal(want) {
		t.Errorf("basis after sell = %s, want %s", res.CostBasis, want)
	}
}

func TestLevelRollOverOnTrade(t *testing.T) {
	ms := store.NewMemoryStore()
	rewards := reward.Config{BuyXP: 10, SellXP: 10, LevelBaseXP: 1000}
	eng := ledger.New(ms, rewards, testCoordinator(), nil)

	now := time.Now().UTC()
	if err := ms.CreateAccount(context.Background(), &model.Account{
		ID: "acct1", CashBalance: d(1000), XP: 990, Level: 1,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	seedInstrument(t, ms, "NIMBUS", 100)

	res, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 1)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if res.XP != 0 || res.Level != 2 {
		t.Errorf("after level-up trade: xp %d level %d, want 0 and 2", res.XP, res.Level)
	}
}

func TestConcurrentBuysExactlyOneWins(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	// Two racing buys of 600 each against a balance of 1000: exactly one
	// can be funded.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Buy(context.Background(), "acct1", "NIMBUS", 6)
		}(i)
	}
	wg.Wait()

	var wins, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || rejected != 1 {
		t.Fatalf("wins = %d rejected = %d, want exactly one of each", wins, rejected)
	}

	a, _ := ms.GetAccount(context.Background(), "acct1")
	if !a.CashBalance.Equal(d(400)) {
		t.Errorf("final balance = %s, want 400", a.CashBalance)
	}
	if n := auditCount(t, ms, "acct1"); n != 1 {
		t.Errorf("audit records = %d, want 1", n)
	}
}

func TestConcurrentSellsExactlyOneWins(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 10); err != nil {
		t.Fatalf("seed Buy failed: %v", err)
	}
	balanceBefore := d(0) // 1000 - 1000

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Sell(context.Background(), "acct1", "NIMBUS", 8)
		}(i)
	}
	wg.Wait()

	var wins, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ledger.ErrInsufficientPosition):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || rejected != 1 {
		t.Fatalf("wins = %d rejected = %d, want exactly one of each", wins, rejected)
	}

	p, err := ms.GetPosition(context.Background(), "acct1", "NIMBUS")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if p.Quantity != 2 {
		t.Errorf("final quantity = %d, want 2", p.Quantity)
	}

	a, _ := ms.GetAccount(context.Background(), "acct1")
	if !a.CashBalance.Equal(balanceBefore.Add(d(800))) {
		t.Errorf("final balance = %s, want exactly one sale's proceeds (800)", a.CashBalance)
	}
}

// Arbitrary interleavings must preserve the rebuild law: buys minus sells
// in the audit ledger equal the stored position quantity, and neither
// balance nor quantity ever lands negative.
func TestConcurrentInterleavingRebuildLaw(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 100000)
	seedInstrument(t, ms, "NIMBUS", 10)

	const workers = 8
	const tradesPerWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < tradesPerWorker; i++ {
				if (w+i)%3 == 0 {
					eng.Sell(context.Background(), "acct1", "NIMBUS", 2) //nolint:errcheck
				} else {
					eng.Buy(context.Background(), "acct1", "NIMBUS", 1) //nolint:errcheck
				}
			}
		}(w)
	}
	wg.Wait()

	records, err := ms.AuditByAccount(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("AuditByAccount failed: %v", err)
	}

	var net int64
	for _, r := range records {
		if r.Kind == model.KindBuy {
			net += r.Quantity
		} else {
			net -= r.Quantity
		}
	}

	p, err := ms.GetPosition(context.Background(), "acct1", "NIMBUS")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if p.Quantity != net {
		t.Errorf("position quantity %d != ledger rebuild %d", p.Quantity, net)
	}
	if p.Quantity < 0 {
		t.Errorf("position quantity went negative: %d", p.Quantity)
	}

	a, _ := ms.GetAccount(context.Background(), "acct1")
	if a.CashBalance.IsNegative() {
		t.Errorf("cash balance went negative: %s", a.CashBalance)
	}

	report, err := eng.VerifyAccount(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("VerifyAccount failed: %v", err)
	}
	if !report.OK {
		t.Errorf("integrity verification failed: %v", report.Problems)
	}
}

// conflictStore simulates a pathologically hot account: every commit
// attempt loses the version race.
type conflictStore struct {
	*store.MemoryStore
}

func (s *conflictStore) ApplyTrade(_ context.Context, _ *store.TradeMutation) (*model.AuditRecord, error) {
	return nil, store.ErrVersionConflict
}

func TestRetriesExhaustedSurfacesConcurrencyError(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictStore{MemoryStore: ms}
	eng := ledger.New(cs, reward.DefaultConfig(), testCoordinator(), nil)

	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	_, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 1)
	if !errors.Is(err, ledger.ErrConcurrencyExhausted) {
		t.Fatalf("err = %v, want ErrConcurrencyExhausted", err)
	}
	if reason, ok := ledger.ReasonOf(err); !ok || reason != ledger.ReasonConcurrencyExhausted {
		t.Errorf("reason = %q ok=%v, want concurrency_exhausted", reason, ok)
	}
}

func TestDeadlineAbortsRemainingAttempts(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictStore{MemoryStore: ms}
	coord := ledger.Coordinator{
		MaxAttempts: 10,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
	eng := ledger.New(cs, reward.DefaultConfig(), coord, nil)

	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := eng.Buy(ctx, "acct1", "NIMBUS", 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (n *recordingNotifier) AccountChanged(e ledger.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func TestNotifierFiresOnlyOnCommit(t *testing.T) {
	ms := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	eng := ledger.New(ms, reward.DefaultConfig(), testCoordinator(), notifier)

	seedAccount(t, ms, "acct1", 1000)
	seedInstrument(t, ms, "NIMBUS", 100)

	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 1); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 1000); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected funds rejection, got %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 {
		t.Fatalf("events = %d, want 1 (rejections must not notify)", len(notifier.events))
	}
	e := notifier.events[0]
	if e.AccountID != "acct1" || e.Kind != model.KindBuy || e.PositionQty != 1 {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestPortfolioMarksToMarket(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedAccount(t, ms, "acct1", 10000)
	seedInstrument(t, ms, "NIMBUS", 100)

	if _, err := eng.Buy(context.Background(), "acct1", "NIMBUS", 10); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if err := ms.SetPrice(context.Background(), "NIMBUS", d(150)); err != nil {
		t.Fatalf("SetPrice failed: %v", err)
	}

	entries, err := eng.Portfolio(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	e := entries[0]
	if !e.MarketValue.Equal(d(1500)) {
		t.Errorf("market value = %s, want 1500", e.MarketValue)
	}
	if !e.UnrealizedPnL.Equal(d(500)) {
		t.Errorf("unrealized pnl = %s, want 500", e.UnrealizedPnL)
	}
	if !e.PnLPercent.Equal(d(50)) {
		t.Errorf("pnl percent = %s, want 50", e.PnLPercent)
	}
}
