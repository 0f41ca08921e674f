package orchestrator

import "github.com/obra-dev/obra/pkg/models"

// Per-million-token prices in millicents (thousandths of a cent).
// Approximate hosted-model pricing; cache reads are discounted, cache
// writes carry a premium over plain input.
const (
	priceInputPerM       = 300_000
	priceCacheCreatePerM = 375_000
	priceCacheReadPerM   = 30_000
	priceOutputPerM      = 1_500_000
)

// costMilliCents converts a token breakdown into the accounting unit
// stored on the iteration record.
func costMilliCents(u models.TokenUsage) int64 {
	return u.Input*priceInputPerM/1_000_000 +
		u.CacheCreate*priceCacheCreatePerM/1_000_000 +
		u.CacheRead*priceCacheReadPerM/1_000_000 +
		u.Output*priceOutputPerM/1_000_000
}
