package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the read-mostly data: instruments, accounts, and position
// listings. Trade commits go straight to the primary and invalidate the
// affected keys. ApplyTrade itself is never cached — the version guard
// must always see the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.ID))
	return nil
}

func (s *CachedStore) UpsertInstrument(ctx context.Context, ins *model.Instrument) error {
	if err := s.primary.UpsertInstrument(ctx, ins); err != nil {
		return err
	}
	s.cacheInstrument(ctx, ins)
	return nil
}

func (s *CachedStore) SetPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := s.primary.SetPrice(ctx, symbol, price); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, instrumentKey(symbol))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, m *TradeMutation) (*model.AuditRecord, error) {
	record, err := s.primary.ApplyTrade(ctx, m)
	if err != nil {
		return nil, err
	}
	// A committed trade changes the account row and this user's positions.
	s.rdb.Del(ctx, accountKey(m.AccountID), positionsKey(m.AccountID))
	return record, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(id), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(symbol)).Bytes()
	if err == nil {
		var ins model.Instrument
		if json.Unmarshal(data, &ins) == nil {
			return &ins, nil
		}
	}

	ins, err := s.primary.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.cacheInstrument(ctx, ins)
	return ins, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, symbol)
}

func (s *CachedStore) AuditByAccount(ctx context.Context, accountID string) ([]model.AuditRecord, error) {
	return s.primary.AuditByAccount(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, ins *model.Instrument) {
	if data, err := json.Marshal(ins); err == nil {
		s.rdb.Set(ctx, instrumentKey(ins.Symbol), data, s.ttl)
	}
}

func accountKey(id string) string        { return fmt.Sprintf("account:%s", id) }
func instrumentKey(symbol string) string { return fmt.Sprintf("instrument:%s", symbol) }
func positionsKey(id string) string      { return fmt.Sprintf("positions:%s", id) }
