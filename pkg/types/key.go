package types

import (
	"cmp"
	"encoding/binary"
)

// JournalKey groups GL lines into journal entries.
type JournalKey string

// AppendKey appends the canonical byte encoding of the key to b.
func (k JournalKey) AppendKey(b []byte) []byte {
	return append(b, k...)
}

// AccountKey identifies an account balance for one business unit and period.
type AccountKey struct {
	FiscalYear       int32
	BusinessUnitCode string
	AccountNumber    string
}

// AppendKey appends the canonical byte encoding of the key to b. Strings are
// length-prefixed so that ("AB", "C") and ("A", "BC") encode differently.
func (k AccountKey) AppendKey(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(k.FiscalYear))
	b = binary.AppendUvarint(b, uint64(len(k.BusinessUnitCode)))
	b = append(b, k.BusinessUnitCode...)
	b = binary.AppendUvarint(b, uint64(len(k.AccountNumber)))
	b = append(b, k.AccountNumber...)
	return b
}

// Compare orders keys by business unit, fiscal year, then account number,
// which is the sort order of the completeness report.
func (k AccountKey) Compare(o AccountKey) int {
	if c := cmp.Compare(k.BusinessUnitCode, o.BusinessUnitCode); c != 0 {
		return c
	}
	if c := cmp.Compare(k.FiscalYear, o.FiscalYear); c != 0 {
		return c
	}
	return cmp.Compare(k.AccountNumber, o.AccountNumber)
}
