// Package reports builds the operator graphs of the reconciliation reports.
//
// Both builders are pure: they add nodes to a lazy graph and return the
// final table. Nothing runs until the tables are handed to an engine, which
// lets the two reports share the scans of their common inputs.
package reports

import (
	"github.com/shopspring/decimal"

	"github.com/ledgerrecon/recon/internal/engine"
	"github.com/ledgerrecon/recon/pkg/types"
)

// Options configures the partitioning of a report graph. Tables that are
// joined must be partitioned with the same count and seed, so every
// repartition in a graph uses these values.
type Options struct {
	// Partitions is the partition count of every repartitioned table.
	Partitions int
	// Seed is the partition hash seed.
	Seed uint32
}

func (o Options) repartition() []engine.RepartitionOption {
	opts := []engine.RepartitionOption{engine.Seed(o.Seed)}
	if o.Partitions > 0 {
		opts = append(opts, engine.Partitions(o.Partitions))
	}
	return opts
}

// Reports are written with amounts rounded to cents.
const amountPlaces = 2

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(amountPlaces)
}

func amount(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func journalOf[T any](id func(T) string) engine.Key[T, types.JournalKey] {
	return engine.NewKey(func(r T) types.JournalKey { return types.JournalKey(id(r)) }, types.ColJournalID)
}

func accountOf[T any](key func(T) types.AccountKey) engine.Key[T, types.AccountKey] {
	return engine.NewKey(key, types.AccountColumns...)
}
