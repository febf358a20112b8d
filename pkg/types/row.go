// Package types provides the ledger and report row types shared by the
// reconciliation engine, the storage layer and the report pipelines.
package types

import "time"

// Date is a calendar date stored as days since the Unix epoch, matching the
// parquet DATE logical type.
type Date int32

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Unix() / 86400)
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}

// GLRow is a single General Ledger journal-entry line.
type GLRow struct {
	// JournalID identifies the journal entry the line belongs to
	JournalID string `parquet:"Journal_ID" json:"Journal_ID"`

	// LineNumber orders lines within a journal entry
	LineNumber int64 `parquet:"Line_Number" json:"Line_Number"`

	// EffectiveDate is the posting date of the line
	EffectiveDate Date `parquet:"Effective_Date,date" json:"Effective_Date"`

	// FiscalYear is the fiscal period the line is booked in
	FiscalYear int32 `parquet:"Fiscal_Year" json:"Fiscal_Year"`

	// BusinessUnitCode identifies the reporting entity
	BusinessUnitCode string `parquet:"Business_Unit_Code" json:"Business_Unit_Code"`

	// AccountNumber is the ledger account debited or credited
	AccountNumber string `parquet:"Account_Number" json:"Account_Number"`

	// LocalAmount is the signed line amount in local currency
	LocalAmount float64 `parquet:"Local_Amount" json:"Local_Amount"`
}

// Size estimates the in-memory footprint of the row in bytes.
func (r GLRow) Size() int {
	return 64 + len(r.JournalID) + len(r.BusinessUnitCode) + len(r.AccountNumber)
}

// Account returns the (fiscal year, business unit, account) key of the line.
func (r GLRow) Account() AccountKey {
	return AccountKey{FiscalYear: r.FiscalYear, BusinessUnitCode: r.BusinessUnitCode, AccountNumber: r.AccountNumber}
}

// Journal returns the journal entry key of the line.
func (r GLRow) Journal() JournalKey {
	return JournalKey(r.JournalID)
}

// TBRow is a Trial Balance account balance for one fiscal period.
type TBRow struct {
	FiscalYear       int32   `parquet:"Fiscal_Year" json:"Fiscal_Year"`
	BusinessUnitCode string  `parquet:"Business_Unit_Code" json:"Business_Unit_Code"`
	AccountNumber    string  `parquet:"Account_Number" json:"Account_Number"`
	OpeningBalance   float64 `parquet:"Opening_Balance" json:"Opening_Balance"`
	EndingBalance    float64 `parquet:"Ending_Balance" json:"Ending_Balance"`
}

// Size estimates the in-memory footprint of the row in bytes.
func (r TBRow) Size() int {
	return 56 + len(r.BusinessUnitCode) + len(r.AccountNumber)
}

// Account returns the (fiscal year, business unit, account) key of the balance.
func (r TBRow) Account() AccountKey {
	return AccountKey{FiscalYear: r.FiscalYear, BusinessUnitCode: r.BusinessUnitCode, AccountNumber: r.AccountNumber}
}
