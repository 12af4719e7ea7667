package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/papertrade/ledger-engine/internal/model"
)

// ChainChecksum computes the integrity checksum for an audit record,
// chaining it to the previous record for the same account. Every field
// that the rebuild law depends on participates, so a single flipped digit
// anywhere in history breaks the chain from that point forward.
func ChainChecksum(r *model.AuditRecord, prev string) string {
	parts := []string{
		r.ID,
		r.AccountID,
		r.Symbol,
		r.Kind,
		strconv.FormatInt(r.Quantity, 10),
		r.UnitPrice.String(),
		r.TotalAmount.String(),
		strconv.FormatInt(r.After.PositionQty, 10),
		r.After.CostBasis.String(),
		r.After.CashBalance.String(),
		strconv.FormatInt(r.After.XP, 10),
		strconv.FormatInt(r.After.Level, 10),
		prev,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
