package types

// Column names of the ledger inputs and the report outputs. Operator graphs
// reference columns by these names and the engine validates them against the
// row structs' parquet tags when the graph is built.
const (
	ColJournalID        = "Journal_ID"
	ColLineNumber       = "Line_Number"
	ColEffectiveDate    = "Effective_Date"
	ColFiscalYear       = "Fiscal_Year"
	ColBusinessUnitCode = "Business_Unit_Code"
	ColAccountNumber    = "Account_Number"
	ColLocalAmount      = "Local_Amount"
	ColOpeningBalance   = "Opening_Balance"
	ColEndingBalance    = "Ending_Balance"
	ColActivity         = "Activity"
	ColDifference       = "Difference"
	ColMagnitude        = "Magnitude"
)

// AccountColumns are the key columns of an account balance.
var AccountColumns = []string{ColFiscalYear, ColBusinessUnitCode, ColAccountNumber}

// UnbalancedSortColumns is the write order of the unbalanced report.
var UnbalancedSortColumns = []string{ColJournalID, ColLineNumber}

// CompletenessSortColumns is the write order of the completeness report.
var CompletenessSortColumns = []string{ColBusinessUnitCode, ColFiscalYear, ColAccountNumber}
