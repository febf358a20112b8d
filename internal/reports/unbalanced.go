package reports

import (
	"cmp"

	"github.com/shopspring/decimal"

	"github.com/ledgerrecon/recon/internal/engine"
	"github.com/ledgerrecon/recon/pkg/types"
)

// journalTotal is the net amount of a journal entry.
type journalTotal struct {
	JournalID string          `parquet:"Journal_ID"`
	Total     decimal.Decimal `parquet:"Total"`
}

func (r journalTotal) Size() int { return 40 + len(r.JournalID) }

// unbalancedJournal is a journal entry whose lines do not net to zero.
type unbalancedJournal struct {
	JournalID string  `parquet:"Journal_ID"`
	Magnitude float64 `parquet:"Magnitude"`
}

func (r unbalancedJournal) Size() int { return 24 + len(r.JournalID) }

var (
	lineJournal    = engine.NewKey(types.GLRow.Journal, types.ColJournalID)
	totalJournal   = journalOf(func(r journalTotal) string { return r.JournalID })
	offsetsJournal = journalOf(func(r unbalancedJournal) string { return r.JournalID })
)

var journalTotals = engine.Aggregation[types.GLRow, types.JournalKey, journalTotal]{
	Key: lineJournal,
	Sums: []engine.Sum[types.GLRow]{{
		Column: types.ColLocalAmount,
		As:     "Total",
		Value:  func(r types.GLRow) decimal.Decimal { return amount(r.LocalAmount) },
	}},
	Emit: func(k types.JournalKey, s []decimal.Decimal) journalTotal {
		return journalTotal{JournalID: string(k), Total: s[0]}
	},
	OutKey: func(r journalTotal) types.JournalKey { return types.JournalKey(r.JournalID) },
}

// Unbalanced builds the unbalanced journal entries report: every non-zero GL
// line of a journal entry whose lines do not sum to zero at cent precision,
// sorted by (Journal_ID, Line_Number) within each partition.
//
// The lines are partitioned by Journal_ID once. Totals are aggregated from
// that partitioning and joined back to it, so the join sides are aligned by
// construction.
func Unbalanced(gl engine.Table[types.GLRow], opts Options) engine.Table[types.UnbalancedLine] {
	nonZero := engine.Filter(gl, func(r types.GLRow) bool {
		return r.LocalAmount != 0
	}, types.ColLocalAmount)
	lines := engine.Repartition(nonZero, lineJournal, opts.repartition()...)

	offsets := unbalancedJournals(lines, opts)
	joined := engine.Join(lines, offsets, lineJournal, offsetsJournal, engine.InnerJoin)
	report := engine.Project(joined,
		engine.Projection{Columns: []string{
			types.ColJournalID,
			types.ColLineNumber,
			types.ColEffectiveDate,
			types.ColAccountNumber,
			types.ColLocalAmount,
		}},
		func(j engine.Joined[types.GLRow, unbalancedJournal]) types.UnbalancedLine {
			l := j.Left
			return types.UnbalancedLine{
				JournalID:     l.JournalID,
				LineNumber:    l.LineNumber,
				EffectiveDate: l.EffectiveDate,
				AccountNumber: l.AccountNumber,
				LocalAmount:   l.LocalAmount,
			}
		},
	)
	return engine.SortWithin(report, compareUnbalanced, types.UnbalancedSortColumns...)
}

// unbalancedJournals returns the journals of lines whose total is not zero
// at cent precision, with the magnitude of that total.
func unbalancedJournals(lines engine.Table[types.GLRow], opts Options) engine.Table[unbalancedJournal] {
	totals := engine.GroupByKeysSum(lines, journalTotals, opts.repartition()...)
	return engine.Project(
		engine.Filter(totals, func(r journalTotal) bool {
			return !round(r.Total).IsZero()
		}, "Total"),
		engine.Projection{Columns: []string{types.ColJournalID}, Derived: []string{types.ColMagnitude}},
		func(r journalTotal) unbalancedJournal {
			return unbalancedJournal{JournalID: r.JournalID, Magnitude: round(r.Total).Abs().InexactFloat64()}
		},
	)
}

func compareUnbalanced(a, b types.UnbalancedLine) int {
	if c := cmp.Compare(a.JournalID, b.JournalID); c != 0 {
		return c
	}
	return cmp.Compare(a.LineNumber, b.LineNumber)
}
