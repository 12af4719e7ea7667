package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. It enforces the same version-guard semantics as the
// PostgreSQL store so concurrency tests exercise the real contract.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	instruments map[string]*model.Instrument
	positions   map[string]*model.Position // key: accountID + "/" + symbol
	audit       []model.AuditRecord
	nextSeq     int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		instruments: make(map[string]*model.Instrument),
		positions:   make(map[string]*model.Position),
		nextSeq:     1,
	}
}

func posKey(accountID, symbol string) string { return accountID + "/" + symbol }

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) UpsertInstrument(_ context.Context, ins *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ins
	s.instruments[ins.Symbol] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *ins
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, ins := range s.instruments {
		instruments = append(instruments, *ins)
	}
	sort.Slice(instruments, func(i, j int) bool { return instruments[i].Symbol < instruments[j].Symbol })
	return instruments, nil
}

func (s *MemoryStore) SetPrice(_ context.Context, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.instruments[symbol]
	if !ok {
		return ErrNotFound
	}
	ins.Price = price
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(accountID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID && p.Quantity > 0 {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// ApplyTrade mirrors the PostgreSQL atomic unit under one lock: the
// version guard with the balance check repeated, the position quantity
// re-verified on sells, and the chained audit append.
func (s *MemoryStore) ApplyTrade(_ context.Context, m *TradeMutation) (*model.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[m.AccountID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Version != m.ExpectedVersion {
		return nil, ErrVersionConflict
	}

	key := posKey(m.AccountID, m.Symbol)
	p := s.positions[key]

	var newBalance decimal.Decimal
	if m.Kind == model.KindBuy {
		if a.CashBalance.LessThan(m.TotalAmount) {
			return nil, ErrVersionConflict
		}
		newBalance = a.CashBalance.Sub(m.TotalAmount)
	} else {
		if p == nil || p.Quantity < m.Quantity {
			return nil, ErrVersionConflict
		}
		newBalance = a.CashBalance.Add(m.TotalAmount)
	}

	a.CashBalance = newBalance
	a.XP = m.NewXP
	a.Level = m.NewLevel
	a.Version++
	a.UpdatedAt = m.CreatedAt

	if p == nil {
		p = &model.Position{AccountID: m.AccountID, Symbol: m.Symbol}
		s.positions[key] = p
	}
	if m.Kind == model.KindBuy {
		p.Quantity += m.Quantity
		p.CostBasis = m.NewCostBasis
	} else {
		p.Quantity -= m.Quantity
	}
	p.UpdatedAt = m.CreatedAt

	var prevChecksum string
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].AccountID == m.AccountID {
			prevChecksum = s.audit[i].Checksum
			break
		}
	}

	record := model.AuditRecord{
		ID:          m.AuditID,
		Seq:         s.nextSeq,
		AccountID:   m.AccountID,
		Symbol:      m.Symbol,
		Kind:        m.Kind,
		Quantity:    m.Quantity,
		UnitPrice:   m.UnitPrice,
		TotalAmount: m.TotalAmount,
		After: model.Snapshot{
			PositionQty: p.Quantity,
			CostBasis:   p.CostBasis,
			CashBalance: newBalance,
			XP:          m.NewXP,
			Level:       m.NewLevel,
		},
		PrevChecksum: prevChecksum,
		CreatedAt:    m.CreatedAt,
	}
	record.Checksum = ChainChecksum(&record, prevChecksum)
	s.nextSeq++
	s.audit = append(s.audit, record)

	p.CheckpointID = record.ID
	p.Checksum = record.Checksum

	return &record, nil
}

func (s *MemoryStore) AuditByAccount(_ context.Context, accountID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []model.AuditRecord
	for _, r := range s.audit {
		if r.AccountID == accountID {
			records = append(records, r)
		}
	}
	return records, nil
}
