package reports

import (
	"github.com/shopspring/decimal"

	"github.com/ledgerrecon/recon/internal/engine"
	"github.com/ledgerrecon/recon/pkg/types"
)

// accountActivity is the GL activity of an account for one period.
type accountActivity struct {
	FiscalYear       int32           `parquet:"Fiscal_Year"`
	BusinessUnitCode string          `parquet:"Business_Unit_Code"`
	AccountNumber    string          `parquet:"Account_Number"`
	Activity         decimal.Decimal `parquet:"Activity"`
}

func (r accountActivity) Size() int { return 48 + len(r.BusinessUnitCode) + len(r.AccountNumber) }

func (r accountActivity) key() types.AccountKey {
	return types.AccountKey{FiscalYear: r.FiscalYear, BusinessUnitCode: r.BusinessUnitCode, AccountNumber: r.AccountNumber}
}

// accountBalance is the TB opening and ending balance of an account for one
// period. Duplicate TB rows are summed.
type accountBalance struct {
	FiscalYear       int32           `parquet:"Fiscal_Year"`
	BusinessUnitCode string          `parquet:"Business_Unit_Code"`
	AccountNumber    string          `parquet:"Account_Number"`
	OpeningBalance   decimal.Decimal `parquet:"Opening_Balance"`
	EndingBalance    decimal.Decimal `parquet:"Ending_Balance"`
}

func (r accountBalance) Size() int { return 72 + len(r.BusinessUnitCode) + len(r.AccountNumber) }

func (r accountBalance) key() types.AccountKey {
	return types.AccountKey{FiscalYear: r.FiscalYear, BusinessUnitCode: r.BusinessUnitCode, AccountNumber: r.AccountNumber}
}

var (
	activityAccount = accountOf(accountActivity.key)
	balanceAccount  = accountOf(accountBalance.key)
)

var glActivity = engine.Aggregation[types.GLRow, types.AccountKey, accountActivity]{
	Key: accountOf(types.GLRow.Account),
	Sums: []engine.Sum[types.GLRow]{{
		Column: types.ColLocalAmount,
		As:     types.ColActivity,
		Value:  func(r types.GLRow) decimal.Decimal { return amount(r.LocalAmount) },
	}},
	Emit: func(k types.AccountKey, s []decimal.Decimal) accountActivity {
		return accountActivity{
			FiscalYear:       k.FiscalYear,
			BusinessUnitCode: k.BusinessUnitCode,
			AccountNumber:    k.AccountNumber,
			Activity:         s[0],
		}
	},
	OutKey: accountActivity.key,
}

var tbBalances = engine.Aggregation[types.TBRow, types.AccountKey, accountBalance]{
	Key: accountOf(types.TBRow.Account),
	Sums: []engine.Sum[types.TBRow]{
		engine.SumOf(types.ColOpeningBalance, func(r types.TBRow) decimal.Decimal { return amount(r.OpeningBalance) }),
		engine.SumOf(types.ColEndingBalance, func(r types.TBRow) decimal.Decimal { return amount(r.EndingBalance) }),
	},
	Emit: func(k types.AccountKey, s []decimal.Decimal) accountBalance {
		return accountBalance{
			FiscalYear:       k.FiscalYear,
			BusinessUnitCode: k.BusinessUnitCode,
			AccountNumber:    k.AccountNumber,
			OpeningBalance:   s[0],
			EndingBalance:    s[1],
		}
	},
	OutKey: accountBalance.key,
}

var completenessColumns = []string{
	types.ColFiscalYear,
	types.ColBusinessUnitCode,
	types.ColAccountNumber,
	types.ColOpeningBalance,
	types.ColActivity,
	types.ColEndingBalance,
	types.ColDifference,
}

// Completeness builds the completeness report: one row per (Fiscal_Year,
// Business_Unit_Code, Account_Number) present in the GL or the TB, with
// Difference = Opening_Balance + Activity - Ending_Balance. An account missing
// from one side reads as zero on that side. Every amount is rounded to cents.
// Rows are sorted by (Business_Unit_Code, Fiscal_Year, Account_Number) within
// each partition.
func Completeness(gl engine.Table[types.GLRow], tb engine.Table[types.TBRow], opts Options) engine.Table[types.CompletenessRow] {
	activity := engine.GroupByKeysSum(gl, glActivity, opts.repartition()...)
	balances := engine.GroupByKeysSum(tb, tbBalances, opts.repartition()...)

	joined := engine.Join(activity, balances, activityAccount, balanceAccount, engine.OuterJoin)
	report := engine.Project(joined,
		engine.Projection{Derived: completenessColumns},
		reconcile,
	)
	return engine.SortWithin(report, func(a, b types.CompletenessRow) int {
		return rowAccount(a).Compare(rowAccount(b))
	}, types.CompletenessSortColumns...)
}

func reconcile(j engine.Joined[accountActivity, accountBalance]) types.CompletenessRow {
	var key types.AccountKey
	if j.HasLeft {
		key = j.Left.key()
	} else {
		key = j.Right.key()
	}

	activity, opening, ending := decimal.Zero, decimal.Zero, decimal.Zero
	if j.HasLeft {
		activity = round(j.Left.Activity)
	}
	if j.HasRight {
		opening = round(j.Right.OpeningBalance)
		ending = round(j.Right.EndingBalance)
	}
	return types.CompletenessRow{
		FiscalYear:       key.FiscalYear,
		BusinessUnitCode: key.BusinessUnitCode,
		AccountNumber:    key.AccountNumber,
		OpeningBalance:   opening.InexactFloat64(),
		Activity:         activity.InexactFloat64(),
		EndingBalance:    ending.InexactFloat64(),
		Difference:       round(opening.Add(activity).Sub(ending)).InexactFloat64(),
	}
}

func rowAccount(r types.CompletenessRow) types.AccountKey {
	return types.AccountKey{FiscalYear: r.FiscalYear, BusinessUnitCode: r.BusinessUnitCode, AccountNumber: r.AccountNumber}
}
