package table

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, sheets map[string][][]any, order []string) {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, name := range order {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				t.Fatalf("rename sheet: %v", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("new sheet: %v", err)
		}
		for r, row := range sheets[name] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			values := row
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				t.Fatalf("set row: %v", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
}

func TestParseFileNamespacesSheetsByFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "upload-1.xlsx")
	writeWorkbook(t, path, map[string][][]any{
		"Q1": {{"region", "amount"}, {"north", 10}, {"south", 12.5}},
		"Q2": {{"region", "amount"}, {"north", 7}},
	}, []string{"Q1", "Q2"})

	tables, err := ParseFile(path, "sales.xlsx")
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(tables))
	}
	if tables[0].Name != "sales_Q1" || tables[1].Name != "sales_Q2" {
		t.Fatalf("table names = %q, %q", tables[0].Name, tables[1].Name)
	}
	if tables[0].Rows() != 2 {
		t.Errorf("sales_Q1 rows = %d, want 2", tables[0].Rows())
	}
	cols := tables[0].Columns()
	if len(cols) != 2 || cols[0].Name != "region" || cols[0].Type != "object" || cols[1].Type != "float64" {
		t.Errorf("unexpected columns: %+v", cols)
	}
	if tables[0].Source != path || tables[0].Sheet != "Q1" {
		t.Errorf("unexpected provenance: %+v", tables[0])
	}
}

func TestParseFileCSV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.csv")
	if err := os.WriteFile(path, []byte("\xef\xbb\xbfid,qty\n1,3\n2,\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	tables, err := ParseFile(path, "orders.csv")
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "orders_Sheet1" {
		t.Fatalf("unexpected tables: %+v", tables)
	}
	if got := tables[0].Columns()[0]; got.Name != "id" || got.Type != "int64" {
		t.Errorf("first column = %+v", got)
	}
}

func TestParseFileRejectsUnknownExtension(t *testing.T) {
	t.Parallel()

	_, err := ParseFile("/tmp/notes.txt", "notes.txt")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNormalizeHeaders(t *testing.T) {
	t.Parallel()

	got := normalize([][]string{
		{"", ""},
		{"name", "", "name"},
		{"a", "b"},
		{"c", "d", "e", "f"},
		{"", " "},
	})
	header := got[0]
	want := []string{"name", "Unnamed: 1", "name.1", "Unnamed: 3"}
	if len(header) != len(want) {
		t.Fatalf("header = %v, want %v", header, want)
	}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("header[%d] = %q, want %q", i, header[i], want[i])
		}
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want header + 2 rows", len(got))
	}
	if len(got[1]) != 4 {
		t.Errorf("row not padded: %v", got[1])
	}
}

func TestHeaderOnlySheetHasNoRows(t *testing.T) {
	t.Parallel()

	tbl := FromRecords("empty", [][]string{{"a", "b"}})
	if tbl.Rows() != 0 {
		t.Fatalf("Rows() = %d, want 0", tbl.Rows())
	}
	if cols := tbl.Columns(); len(cols) != 2 || cols[1].Name != "b" {
		t.Fatalf("Columns() = %+v", cols)
	}
	if s := tbl.Summarize(5); s.Head != nil {
		t.Fatalf("expected no head rows, got %v", s.Head)
	}
}
