package types

// UnbalancedLine is one GL line of a journal entry whose lines do not net to zero.
type UnbalancedLine struct {
	JournalID     string  `parquet:"Journal_ID" json:"Journal_ID"`
	LineNumber    int64   `parquet:"Line_Number" json:"Line_Number"`
	EffectiveDate Date    `parquet:"Effective_Date,date" json:"Effective_Date"`
	AccountNumber string  `parquet:"Account_Number" json:"Account_Number"`
	LocalAmount   float64 `parquet:"Local_Amount" json:"Local_Amount"`
}

// Size estimates the in-memory footprint of the row in bytes.
func (r UnbalancedLine) Size() int {
	return 48 + len(r.JournalID) + len(r.AccountNumber)
}

// CompletenessRow reconciles GL activity for an account and period against
// the Trial Balance. Difference is Opening + Activity - Ending, so a row
// reconciles when it is zero.
type CompletenessRow struct {
	FiscalYear       int32   `parquet:"Fiscal_Year" json:"Fiscal_Year"`
	BusinessUnitCode string  `parquet:"Business_Unit_Code" json:"Business_Unit_Code"`
	AccountNumber    string  `parquet:"Account_Number" json:"Account_Number"`
	OpeningBalance   float64 `parquet:"Opening_Balance" json:"Opening_Balance"`
	Activity         float64 `parquet:"Activity" json:"Activity"`
	EndingBalance    float64 `parquet:"Ending_Balance" json:"Ending_Balance"`
	Difference       float64 `parquet:"Difference" json:"Difference"`
}

// Size estimates the in-memory footprint of the row in bytes.
func (r CompletenessRow) Size() int {
	return 72 + len(r.BusinessUnitCode) + len(r.AccountNumber)
}
