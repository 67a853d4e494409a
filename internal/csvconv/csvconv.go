// Package csvconv converts between CSV text and CCF rows.
package csvconv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ZaninAndrea/ccf/internal/ccf"
)

var (
	ErrEmptyInput    = errors.New("empty csv input")
	ErrInvalidSchema = errors.New("invalid schema")
	ErrInvalidField  = errors.New("invalid field")
)

// ReaderConf configures ReadCSV
type ReaderConf struct {
	Schema    []ccf.ColumnDef // The column names and types. When nil the names come from the header row and the types are inferred.
	Delimiter rune            // The delimiter separating fields. Defaults to ,
}

// ParseSchema parses a comma separated list of name:type pairs, e.g. "id:int,score:float,name:str".
// The types int and int32 map to Int32, float and float64 to Float64, any other type to String.
func ParseSchema(schema string) ([]ccf.ColumnDef, error) {
	parts := strings.Split(schema, ",")
	columns := make([]ccf.ColumnDef, 0, len(parts))
	for _, part := range parts {
		name, typ, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.Contains(typ, ":") {
			return nil, fmt.Errorf("%w: %q is not a name:type pair", ErrInvalidSchema, part)
		}

		col := ccf.ColumnDef{Name: name, Type: ccf.ColumnTypeString}
		switch strings.TrimSpace(typ) {
		case "int", "int32":
			col.Type = ccf.ColumnTypeInt32
		case "float", "float64":
			col.Type = ccf.ColumnTypeFloat64
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// InferType picks the narrowest type able to hold every value: Int32 when they are all 32 bit
// integers, Float64 when they are all numbers, String otherwise. Empty values are NULL and
// do not take part in the choice, so a column without values is Int32.
func InferType(values []string) ccf.ColumnType {
	isInt, isFloat := true, true
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, err := parseInt32(v); err == nil {
			continue
		}
		isInt = false
		if _, err := parseFloat64(v); err != nil {
			isFloat = false
			break
		}
	}

	switch {
	case isInt:
		return ccf.ColumnTypeInt32
	case isFloat:
		return ccf.ColumnTypeFloat64
	default:
		return ccf.ColumnTypeString
	}
}

func parseInt32(v string) (int32, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	return int32(i), err
}

func parseFloat64(v string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

// ReadCSV parses CSV text whose first record is the header. Short records are padded with
// empty fields, extra fields are ignored, and empty fields become NULL.
func ReadCSV(r io.Reader, conf *ReaderConf) ([]ccf.ColumnDef, []ccf.Row, error) {
	if conf == nil {
		conf = &ReaderConf{}
	}

	reader := csv.NewReader(r)
	if conf.Delimiter != 0 {
		reader.Comma = conf.Delimiter
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, ErrEmptyInput
	} else if err != nil {
		return nil, nil, err
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	for i, record := range records {
		if len(record) < len(header) {
			padded := make([]string, len(header))
			copy(padded, record)
			records[i] = padded
		}
	}

	columns := conf.Schema
	if columns == nil {
		columns = inferSchema(header, records)
	} else if len(columns) != len(header) {
		return nil, nil, fmt.Errorf("%w: %d columns for a %d field header", ErrInvalidSchema, len(columns), len(header))
	}

	rows := make([]ccf.Row, len(records))
	for i, record := range records {
		row := make(ccf.Row, len(columns))
		for j, col := range columns {
			value, err := scanField(col.Type, record[j])
			if err != nil {
				// Line numbers count the header
				return nil, nil, fmt.Errorf("%w: line %d, column %q: %v", ErrInvalidField, i+2, col.Name, err)
			}
			row[j] = value
		}
		rows[i] = row
	}

	return columns, rows, nil
}

func inferSchema(header []string, records [][]string) []ccf.ColumnDef {
	columns := make([]ccf.ColumnDef, len(header))
	values := make([]string, len(records))
	for j, name := range header {
		for i, record := range records {
			values[i] = record[j]
		}
		columns[j] = ccf.ColumnDef{Name: name, Type: InferType(values)}
	}
	return columns
}

// scanField converts a CSV field to the value stored in a column of the given type.
func scanField(columnType ccf.ColumnType, field string) (any, error) {
	if field == "" {
		return nil, nil
	}

	switch columnType {
	case ccf.ColumnTypeInt32:
		return parseInt32(field)
	case ccf.ColumnTypeFloat64:
		return parseFloat64(field)
	case ccf.ColumnTypeString:
		return field, nil
	default:
		return nil, fmt.Errorf("unsupported column type %v", columnType)
	}
}

// WriteCSV writes the table as CSV text, starting with a header record. NULL values are written as empty fields.
func WriteCSV(w io.Writer, table *ccf.Table) error {
	writer := csv.NewWriter(w)

	record := make([]string, len(table.Columns))
	for j, col := range table.Columns {
		record[j] = col.Name
	}
	if err := writer.Write(record); err != nil {
		return err
	}

	for i := uint64(0); i < table.NumRows; i++ {
		for j, col := range table.Columns {
			record[j] = FormatValue(col.Values[i])
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// FormatValue renders a column value as CSV text.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float64:
		return FormatFloat(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// FormatFloat renders the shortest text that parses back to f. The output always reads as a
// float: integral values get a ".0" suffix, and very large or very small magnitudes use an exponent.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}

	abs := math.Abs(f)
	if abs >= 1e16 || (abs != 0 && abs < 1e-4) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
