// Package table holds uploaded spreadsheet sheets as typed data frames.
package table

import (
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// Format is the on-disk format a table was parsed from.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
	FormatCSV  Format = "csv"
)

// Column is a column name with its inferred type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is one parsed sheet. Tables are never mutated after parsing; every
// frame operation returns a new frame, so stores can share *Table values.
type Table struct {
	Name     string
	FileName string
	Source   string
	Sheet    string
	Format   Format
	Frame    dataframe.DataFrame

	header []string
}

// VarName returns the identifier the table is bound to in generated code.
func VarName(name string) string {
	v := "df_" + name
	v = strings.ReplaceAll(v, " ", "_")
	return strings.ReplaceAll(v, "-", "_")
}

// VarName returns the code-execution variable for t.
func (t *Table) VarName() string { return VarName(t.Name) }

// Rows returns the number of data rows.
func (t *Table) Rows() int {
	if t.Frame.Err != nil {
		return 0
	}
	return t.Frame.Nrow()
}

// Columns returns column names and their inferred types.
func (t *Table) Columns() []Column {
	if t.Frame.Err != nil {
		cols := make([]Column, 0, len(t.header))
		for _, h := range t.header {
			cols = append(cols, Column{Name: h, Type: "object"})
		}
		return cols
	}
	names := t.Frame.Names()
	types := t.Frame.Types()
	cols := make([]Column, 0, len(names))
	for i, name := range names {
		cols = append(cols, Column{Name: name, Type: dtype(types[i])})
	}
	return cols
}

// dtype maps frame types onto the dtype names pandas prints, which is what
// the generated code will see after loading the same sheet.
func dtype(t series.Type) string {
	switch t {
	case series.Int:
		return "int64"
	case series.Float:
		return "float64"
	case series.Bool:
		return "bool"
	default:
		return "object"
	}
}

// Summary is the data overview of a table.
type Summary struct {
	Name     string     `json:"name"`
	Var      string     `json:"var"`
	FileName string     `json:"file_name"`
	Sheet    string     `json:"sheet"`
	Rows     int        `json:"rows"`
	Columns  []Column   `json:"columns"`
	Head     [][]string `json:"head,omitempty"`
	Describe [][]string `json:"describe,omitempty"`
}

// Summarize returns metadata plus the first headRows rows and a describe block.
func (t *Table) Summarize(headRows int) Summary {
	s := Summary{
		Name:     t.Name,
		Var:      t.VarName(),
		FileName: t.FileName,
		Sheet:    t.Sheet,
		Rows:     t.Rows(),
		Columns:  t.Columns(),
	}
	if s.Rows == 0 {
		return s
	}
	s.Head = Head(t.Frame, headRows).Records()
	if d := t.Frame.Describe(); d.Err == nil {
		s.Describe = d.Records()
	}
	return s
}

// Head returns the first n rows of df.
func Head(df dataframe.DataFrame, n int) dataframe.DataFrame {
	if n > df.Nrow() {
		n = df.Nrow()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return df.Subset(idx)
}

// Tail returns the last n rows of df.
func Tail(df dataframe.DataFrame, n int) dataframe.DataFrame {
	rows := df.Nrow()
	if n > rows {
		n = rows
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = rows - n + i
	}
	return df.Subset(idx)
}
