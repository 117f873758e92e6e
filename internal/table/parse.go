package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/extrame/xls"
	"github.com/go-gota/gota/dataframe"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are not spreadsheets.
var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// CSVSheet is the sheet name given to the single table of a CSV upload.
const CSVSheet = "Sheet1"

var nanValues = []string{"", "NA", "N/A", "NaN", "nan", "null", "NULL"}

// Stem returns the file name without directory and extension.
func Stem(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Key returns the table identifier for a sheet of an uploaded file.
func Key(fileName, sheet string) string {
	return Stem(fileName) + "_" + sheet
}

// FormatOf returns the format implied by a file extension.
func FormatOf(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".xls":
		return FormatXLS, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(fileName))
	}
}

// ParseFile parses every sheet of the file at path. fileName is the name the
// user uploaded and determines the table keys.
func ParseFile(path, fileName string) ([]*Table, error) {
	format, err := FormatOf(fileName)
	if err != nil {
		return nil, err
	}

	var sheets []sheetRows
	switch format {
	case FormatXLSX:
		sheets, err = readXLSX(path)
	case FormatXLS:
		sheets, err = readXLS(path)
	case FormatCSV:
		sheets, err = readCSV(path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}

	tables := make([]*Table, 0, len(sheets))
	for _, s := range sheets {
		tables = append(tables, fromRows(fileName, path, s.name, format, s.rows))
	}
	return tables, nil
}

type sheetRows struct {
	name string
	rows [][]string
}

func readXLSX(path string) ([]sheetRows, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sheets []sheetRows
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", name, err)
		}
		sheets = append(sheets, sheetRows{name: name, rows: rows})
	}
	return sheets, nil
}

func readXLS(path string) ([]sheetRows, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	var sheets []sheetRows
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		var rows [][]string
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, sheetRows{name: sheet.Name, rows: rows})
	}
	return sheets, nil
}

func readCSV(path string) ([]sheetRows, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return []sheetRows{{name: CSVSheet, rows: rows}}, nil
}

// FromRecords builds an in-memory table named name from a header row and
// data rows. It has no backing file.
func FromRecords(name string, records [][]string) *Table {
	t := fromRows(name+".csv", "", CSVSheet, FormatCSV, records)
	t.Name = name
	t.Sheet = name
	return t
}

func fromRows(fileName, path, sheet string, format Format, rows [][]string) *Table {
	records := normalize(rows)
	t := &Table{
		Name:     Key(fileName, sheet),
		FileName: fileName,
		Source:   path,
		Sheet:    sheet,
		Format:   format,
	}
	if len(records) > 0 {
		t.header = records[0]
	}
	if len(records) < 2 {
		t.Frame = dataframe.DataFrame{Err: fmt.Errorf("sheet %s has no data rows", sheet)}
		return t
	}
	t.Frame = dataframe.LoadRecords(records,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(true),
		dataframe.NaNValues(nanValues),
	)
	return t
}

// normalize drops trailing blank rows, pads ragged rows to the header width
// and names blank or duplicate headers the way pandas does.
func normalize(rows [][]string) [][]string {
	for len(rows) > 0 && blank(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	// Leading blank rows carry no header.
	for len(rows) > 0 && blank(rows[0]) {
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return nil
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	header := make([]string, width)
	seen := make(map[string]int, width)
	for i := range header {
		name := ""
		if i < len(rows[0]) {
			name = strings.TrimSpace(rows[0][i])
		}
		if name == "" {
			name = "Unnamed: " + strconv.Itoa(i)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = name + "." + strconv.Itoa(n+1)
		} else {
			seen[name] = 0
		}
		header[i] = name
	}

	out := make([][]string, 0, len(rows))
	out = append(out, header)
	for _, r := range rows[1:] {
		padded := make([]string, width)
		copy(padded, r)
		out = append(out, padded)
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
