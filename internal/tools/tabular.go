package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/xuri/excelize/v2"

	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/table"
)

// maxRenderRows caps how many rows an operation prints back to the model.
const maxRenderRows = 50

// Operations lists the operations accepted by run_dataframe_operation.
var Operations = []string{
	"head", "tail", "shape", "columns", "dtypes", "describe",
	"filter", "sort", "groupby", "value_counts", "select", "unique",
}

var aggregations = map[string]dataframe.AggregationType{
	"sum":    dataframe.Aggregation_SUM,
	"mean":   dataframe.Aggregation_MEAN,
	"median": dataframe.Aggregation_MEDIAN,
	"min":    dataframe.Aggregation_MIN,
	"max":    dataframe.Aggregation_MAX,
	"std":    dataframe.Aggregation_STD,
	"count":  dataframe.Aggregation_COUNT,
}

// Tabular exposes a snapshot of tables to the model. The snapshot is taken
// when the agent is built and is not affected by later uploads.
type Tabular struct {
	tables *table.Store
	outDir string
}

// NewTabular binds tabular tools to tables. Exports are written under outDir.
func NewTabular(tables *table.Store, outDir string) *Tabular {
	return &Tabular{tables: tables, outDir: outDir}
}

// Tools returns list_dataframes, run_dataframe_operation and export_dataframe.
func (t *Tabular) Tools() []Tool {
	list := New(llm.ToolSpec{
		Name:        "list_dataframes",
		Description: "List the loaded dataframes with their shape and columns.",
		Parameters:  schema(map[string]any{}),
	}, func(context.Context, json.RawMessage) (string, error) {
		return t.list(), nil
	})

	run := New(llm.ToolSpec{
		Name:        "run_dataframe_operation",
		Description: "Run a read-only operation on a dataframe and return the result as text.",
		Parameters: schema(map[string]any{
			"dataframe_name": prop("string", "Name of the dataframe as shown by list_dataframes."),
			"operation":      map[string]any{"type": "string", "enum": Operations},
			"parameters": map[string]any{
				"type":        "object",
				"description": "Operation arguments: n (head/tail); column, op (==, !=, >, >=, <, <=, in), value (filter); columns, ascending (sort/select); by, column, agg (groupby); column (value_counts/unique).",
			},
		}, "dataframe_name", "operation"),
	}, t.run)

	export := New(llm.ToolSpec{
		Name:        "export_dataframe",
		Description: "Export a dataframe to an xlsx or csv file in the output directory.",
		Parameters: schema(map[string]any{
			"dataframe_name": prop("string", "Name of the dataframe to export."),
			"file_name":      prop("string", "File name for the export, for example summary.xlsx."),
			"format":         map[string]any{"type": "string", "enum": []string{"xlsx", "csv"}},
		}, "dataframe_name", "file_name"),
	}, t.export)

	return []Tool{list, run, export}
}

func (t *Tabular) list() string {
	if t.tables.Len() == 0 {
		return "No dataframes loaded."
	}
	var b strings.Builder
	for _, tbl := range t.tables.Tables() {
		var cols []string
		for _, c := range tbl.Columns() {
			cols = append(cols, fmt.Sprintf("%s(%s)", c.Name, c.Type))
		}
		fmt.Fprintf(&b, "%s: %d rows, columns: %s\n", tbl.Name, tbl.Rows(), strings.Join(cols, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

type operationArgs struct {
	DataframeName string         `json:"dataframe_name"`
	Operation     string         `json:"operation"`
	Parameters    operationParam `json:"parameters"`
}

type operationParam struct {
	N         int      `json:"n"`
	Column    string   `json:"column"`
	Op        string   `json:"op"`
	Value     any      `json:"value"`
	Columns   []string `json:"columns"`
	Ascending *bool    `json:"ascending"`
	By        []string `json:"by"`
	Agg       string   `json:"agg"`
}

func (t *Tabular) frame(name string) (dataframe.DataFrame, error) {
	tbl, ok := t.tables.Get(name)
	if !ok {
		return dataframe.DataFrame{}, fmt.Errorf("dataframe %q not found; available: %s", name, strings.Join(t.tables.Names(), ", "))
	}
	if tbl.Frame.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("dataframe %q is empty: %w", name, tbl.Frame.Err)
	}
	return tbl.Frame, nil
}

func (t *Tabular) run(_ context.Context, raw json.RawMessage) (string, error) {
	var args operationArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	df, err := t.frame(args.DataframeName)
	if err != nil {
		return "", err
	}
	p := args.Parameters
	n := p.N
	if n <= 0 {
		n = 5
	}

	switch args.Operation {
	case "head":
		return render(table.Head(df, n)), nil
	case "tail":
		return render(table.Tail(df, n)), nil
	case "shape":
		rows, cols := df.Dims()
		return fmt.Sprintf("(%d, %d)", rows, cols), nil
	case "columns":
		return strings.Join(df.Names(), "\n"), nil
	case "dtypes":
		tbl, _ := t.tables.Get(args.DataframeName)
		var b strings.Builder
		for _, c := range tbl.Columns() {
			fmt.Fprintf(&b, "%s: %s\n", c.Name, c.Type)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "describe":
		return render(df.Describe()), nil
	case "filter":
		return filter(df, p)
	case "sort":
		return sortFrame(df, p)
	case "groupby":
		return groupBy(df, p)
	case "value_counts":
		return valueCounts(df, p.Column)
	case "select":
		if len(p.Columns) == 0 {
			return "", fmt.Errorf("select requires columns")
		}
		return result(df.Select(p.Columns))
	case "unique":
		return unique(df, p.Column)
	default:
		return "", fmt.Errorf("unsupported operation %q; supported: %s", args.Operation, strings.Join(Operations, ", "))
	}
}

func filter(df dataframe.DataFrame, p operationParam) (string, error) {
	if p.Column == "" || p.Op == "" {
		return "", fmt.Errorf("filter requires column and op")
	}
	comparators := map[string]series.Comparator{
		"==": series.Eq, "!=": series.Neq,
		">": series.Greater, ">=": series.GreaterEq,
		"<": series.Less, "<=": series.LessEq,
		"in": series.In,
	}
	cmp, ok := comparators[p.Op]
	if !ok {
		return "", fmt.Errorf("unsupported filter op %q", p.Op)
	}
	var comparando any
	if cmp == series.In {
		vals, ok := p.Value.([]any)
		if !ok {
			return "", fmt.Errorf("filter op in requires a list value")
		}
		list := make([]string, 0, len(vals))
		for _, v := range vals {
			list = append(list, formatValue(v))
		}
		comparando = list
	} else {
		comparando = formatValue(p.Value)
	}
	return result(df.Filter(dataframe.F{Colname: p.Column, Comparator: cmp, Comparando: comparando}))
}

func sortFrame(df dataframe.DataFrame, p operationParam) (string, error) {
	if len(p.Columns) == 0 {
		return "", fmt.Errorf("sort requires columns")
	}
	ascending := p.Ascending == nil || *p.Ascending
	orders := make([]dataframe.Order, 0, len(p.Columns))
	for _, c := range p.Columns {
		if ascending {
			orders = append(orders, dataframe.Sort(c))
		} else {
			orders = append(orders, dataframe.RevSort(c))
		}
	}
	return result(df.Arrange(orders...))
}

func groupBy(df dataframe.DataFrame, p operationParam) (string, error) {
	if len(p.By) == 0 || p.Column == "" {
		return "", fmt.Errorf("groupby requires by and column")
	}
	agg := strings.ToLower(p.Agg)
	if agg == "" {
		agg = "sum"
	}
	typ, ok := aggregations[agg]
	if !ok {
		return "", fmt.Errorf("unsupported aggregation %q", p.Agg)
	}
	groups := df.GroupBy(p.By...)
	if groups.Err != nil {
		return "", groups.Err
	}
	return result(groups.Aggregation([]dataframe.AggregationType{typ}, []string{p.Column}))
}

func valueCounts(df dataframe.DataFrame, column string) (string, error) {
	s, err := seriesOf(df, column)
	if err != nil {
		return "", err
	}
	counts := map[string]int{}
	var order []string
	for _, v := range s.Records() {
		if _, ok := counts[v]; !ok {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tcount\n", column)
	for i, v := range order {
		if i == maxRenderRows {
			fmt.Fprintf(w, "... (%d more)\t\n", len(order)-maxRenderRows)
			break
		}
		fmt.Fprintf(w, "%s\t%d\n", v, counts[v])
	}
	_ = w.Flush()
	return strings.TrimRight(buf.String(), "\n"), nil
}

func unique(df dataframe.DataFrame, column string) (string, error) {
	s, err := seriesOf(df, column)
	if err != nil {
		return "", err
	}
	seen := map[string]bool{}
	var vals []string
	for _, v := range s.Records() {
		if !seen[v] {
			seen[v] = true
			vals = append(vals, v)
		}
	}
	return fmt.Sprintf("%d unique values: %s", len(vals), strings.Join(vals, ", ")), nil
}

func seriesOf(df dataframe.DataFrame, name string) (series.Series, error) {
	if name == "" {
		return series.Series{}, fmt.Errorf("column is required")
	}
	s := df.Col(name)
	if s.Err != nil {
		return series.Series{}, fmt.Errorf("column %q: %w", name, s.Err)
	}
	return s, nil
}

func result(df dataframe.DataFrame) (string, error) {
	if df.Err != nil {
		return "", df.Err
	}
	return render(df), nil
}

// render prints df as an aligned text table with at most maxRenderRows rows.
func render(df dataframe.DataFrame) string {
	if df.Err != nil {
		return "Error: " + df.Err.Error()
	}
	records := df.Records()
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	for i, rec := range records {
		if i > maxRenderRows {
			fmt.Fprintf(w, "... (%d more rows)\n", len(records)-1-maxRenderRows)
			break
		}
		fmt.Fprintln(w, strings.Join(rec, "\t"))
	}
	_ = w.Flush()
	rows, cols := df.Dims()
	fmt.Fprintf(&buf, "[%d rows x %d columns]", rows, cols)
	return buf.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

type exportArgs struct {
	DataframeName string `json:"dataframe_name"`
	FileName      string `json:"file_name"`
	Format        string `json:"format"`
}

func (t *Tabular) export(_ context.Context, raw json.RawMessage) (string, error) {
	var args exportArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	df, err := t.frame(args.DataframeName)
	if err != nil {
		return "", err
	}
	name, format, err := exportName(args.FileName, args.Format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(t.outDir, name)

	switch format {
	case "csv":
		f, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", name, err)
		}
		if err := df.WriteCSV(f); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", name, err)
		}
	default:
		if err := writeXLSX(df, path); err != nil {
			return "", err
		}
	}
	rows, _ := df.Dims()
	return fmt.Sprintf("Exported %d rows of %s to %s", rows, args.DataframeName, name), nil
}

func exportName(fileName, format string) (string, string, error) {
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == "/" {
		return "", "", fmt.Errorf("file_name is required")
	}
	format = strings.ToLower(format)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	}
	if format != "csv" {
		format = "xlsx"
	}
	if strings.ToLower(filepath.Ext(name)) != "."+format {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + "." + format
	}
	return name, format, nil
}

func writeXLSX(df dataframe.DataFrame, path string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Sheet1"
	types := df.Types()
	for r, rec := range df.Records() {
		row := make([]any, len(rec))
		for c, v := range rec {
			row[c] = v
			if r == 0 || (types[c] != series.Int && types[c] != series.Float) {
				continue
			}
			if v == "NaN" {
				row[c] = nil
			} else if num, err := strconv.ParseFloat(v, 64); err == nil {
				row[c] = num
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", r+1, err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}
