package linkage

import (
	"fmt"
	"strings"

	"github.com/openmedex/fedquery/pkg/feasibility"
)

// RBFColumn is the single column of a pseudonymized result set.
const RBFColumn = "rbf"

// IdatColumns is the expected identifier column schema of a raw result
// set on the identifier path.
var IdatColumns = []string{
	"first_name", "last_name", "birthday", "sex", "street",
	"zip_code", "city", "country", "insurance_number",
}

// TranslationError marks a row (or the whole schema) that cannot be
// mapped to the RBF field schema. The affected row is dropped from the
// cohort's filter set; the batch continues.
type TranslationError struct {
	Row    int // -1 for schema-level failures
	Reason string
}

func (e *TranslationError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("result set not translatable: %s", e.Reason)
	}
	return fmt.Sprintf("row %d not translatable: %s", e.Row, e.Reason)
}

// Translator turns a site's raw identifier result set into record
// filters ready for upload to the TTP.
type Translator struct {
	gen *RecordFilterGenerator
}

// NewTranslator creates a translator on top of the given generator.
func NewTranslator(gen *RecordFilterGenerator) *Translator {
	return &Translator{gen: gen}
}

// Translate maps every row of the result set to a record filter. Rows
// that cannot be mapped are dropped and reported; a missing identifier
// column fails the whole set with a single schema-level error.
func (t *Translator) Translate(set *feasibility.ResultSet) ([]*RecordFilter, []error) {
	indexes := make([]int, len(IdatColumns))
	for i, want := range IdatColumns {
		indexes[i] = -1
		for j, col := range set.Columns {
			if strings.EqualFold(col, want) {
				indexes[i] = j
				break
			}
		}
		if indexes[i] < 0 {
			return nil, []error{&TranslationError{Row: -1, Reason: fmt.Sprintf("missing identifier column %q", want)}}
		}
	}

	filters := make([]*RecordFilter, 0, len(set.Rows))
	var errs []error

	for rowIdx, row := range set.Rows {
		idat, err := rowToIdat(row, indexes, rowIdx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		filters = append(filters, t.gen.Generate(idat))
	}

	return filters, errs
}

func rowToIdat(row []string, indexes []int, rowIdx int) (*Idat, error) {
	values := make([]string, len(indexes))
	for i, idx := range indexes {
		if idx >= len(row) {
			return nil, &TranslationError{Row: rowIdx, Reason: fmt.Sprintf("row has %d cells, identifier column index %d out of range", len(row), idx)}
		}
		values[i] = row[idx]
	}

	return &Idat{
		FirstName:       values[0],
		LastName:        values[1],
		Birthday:        values[2],
		Sex:             values[3],
		Street:          values[4],
		ZipCode:         values[5],
		City:            values[6],
		Country:         values[7],
		InsuranceNumber: values[8],
	}, nil
}

// EncodeFilters packs record filters into the single-column result set a
// site uploads to the TTP in place of its raw rows.
func EncodeFilters(filters []*RecordFilter) (*feasibility.ResultSet, error) {
	rows := make([][]string, 0, len(filters))
	for _, f := range filters {
		encoded, err := f.Encode()
		if err != nil {
			return nil, err
		}
		rows = append(rows, []string{encoded})
	}
	return &feasibility.ResultSet{Columns: []string{RBFColumn}, Rows: rows}, nil
}

// DecodePersons unpacks a site's uploaded filter set into persons for
// the federated matcher. Rows that do not decode are dropped with a
// translation error, mirroring the medic-side contract.
func DecodePersons(siteID string, set *feasibility.ResultSet) ([]*Person, []error) {
	col := -1
	for j, c := range set.Columns {
		if strings.EqualFold(c, RBFColumn) {
			col = j
			break
		}
	}
	if col < 0 {
		return nil, []error{&TranslationError{Row: -1, Reason: fmt.Sprintf("missing column %q", RBFColumn)}}
	}

	persons := make([]*Person, 0, len(set.Rows))
	var errs []error
	for rowIdx, row := range set.Rows {
		if col >= len(row) {
			errs = append(errs, &TranslationError{Row: rowIdx, Reason: "row has no filter cell"})
			continue
		}
		filter, err := DecodeRecordFilter(row[col])
		if err != nil {
			errs = append(errs, &TranslationError{Row: rowIdx, Reason: err.Error()})
			continue
		}
		persons = append(persons, &Person{Site: siteID, Filter: filter})
	}
	return persons, errs
}
