package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/sandbox"
	"github.com/ashureev/datalab/internal/table"
)

func salesStore() *table.Store {
	return table.NewStore(table.FromRecords("sales_Q1", [][]string{
		{"region", "amount"},
		{"north", "10"},
		{"south", "5"},
		{"north", "7"},
	}))
}

func call(t *testing.T, r *Registry, name string, args any) Result {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return r.Call(context.Background(), llm.ToolCall{ID: "c1", Name: name, Arguments: raw})
}

func op(name string, params map[string]any) map[string]any {
	return map[string]any{"dataframe_name": "sales_Q1", "operation": name, "parameters": params}
}

func TestTabularOperations(t *testing.T) {
	t.Parallel()

	r := NewRegistry(NewTabular(salesStore(), t.TempDir()).Tools()...)

	cases := []struct {
		name   string
		args   any
		expect []string
	}{
		{"shape", op("shape", nil), []string{"(3, 2)"}},
		{"columns", op("columns", nil), []string{"region\namount"}},
		{"dtypes", op("dtypes", nil), []string{"amount: int64"}},
		{"head", op("head", map[string]any{"n": 2}), []string{"north", "[2 rows x 2 columns]"}},
		{"filter", op("filter", map[string]any{"column": "amount", "op": ">", "value": 6}), []string{"[2 rows x 2 columns]"}},
		{"filter in", op("filter", map[string]any{"column": "region", "op": "in", "value": []string{"south"}}), []string{"[1 rows x 2 columns]"}},
		{"groupby", op("groupby", map[string]any{"by": []string{"region"}, "column": "amount", "agg": "sum"}), []string{"17"}},
		{"value_counts", op("value_counts", map[string]any{"column": "region"}), []string{"count\nnorth"}},
		{"unique", op("unique", map[string]any{"column": "region"}), []string{"2 unique values: north, south"}},
		{"select", op("select", map[string]any{"columns": []string{"amount"}}), []string{"[3 rows x 1 columns]"}},
	}
	for _, tc := range cases {
		res := call(t, r, "run_dataframe_operation", tc.args)
		if res.IsError {
			t.Errorf("%s: unexpected error %s", tc.name, res.Content)
			continue
		}
		for _, want := range tc.expect {
			if !strings.Contains(res.Content, want) {
				t.Errorf("%s: result missing %q:\n%s", tc.name, want, res.Content)
			}
		}
	}
}

func TestTabularSortDescending(t *testing.T) {
	t.Parallel()

	r := NewRegistry(NewTabular(salesStore(), t.TempDir()).Tools()...)
	res := call(t, r, "run_dataframe_operation", op("sort", map[string]any{"columns": []string{"amount"}, "ascending": false}))
	if res.IsError {
		t.Fatalf("sort failed: %s", res.Content)
	}
	lines := strings.Split(res.Content, "\n")
	if len(lines) < 2 || !strings.Contains(lines[1], "10") {
		t.Fatalf("expected largest amount first:\n%s", res.Content)
	}
}

func TestTabularErrorsAreToolResults(t *testing.T) {
	t.Parallel()

	r := NewRegistry(NewTabular(salesStore(), t.TempDir()).Tools()...)
	res := call(t, r, "run_dataframe_operation", map[string]any{"dataframe_name": "nope", "operation": "head"})
	if !res.IsError || !strings.Contains(res.Content, "sales_Q1") {
		t.Fatalf("expected not-found error listing available frames, got %+v", res)
	}
	res = call(t, r, "run_dataframe_operation", op("pivot", nil))
	if !res.IsError {
		t.Fatalf("expected unsupported operation error")
	}
}

func TestListDataframes(t *testing.T) {
	t.Parallel()

	r := NewRegistry(NewTabular(salesStore(), t.TempDir()).Tools()...)
	res := call(t, r, "list_dataframes", map[string]any{})
	if res.Content != "sales_Q1: 3 rows, columns: region(object), amount(int64)" {
		t.Fatalf("list_dataframes = %q", res.Content)
	}
}

func TestExportDataframeWritesUnderOutputDir(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "temp_charts")
	r := NewRegistry(NewTabular(salesStore(), out).Tools()...)

	res := call(t, r, "export_dataframe", map[string]any{"dataframe_name": "sales_Q1", "file_name": "../escape/summary"})
	if res.IsError {
		t.Fatalf("export failed: %s", res.Content)
	}
	f, err := excelize.OpenFile(filepath.Join(out, "summary.xlsx"))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(rows) != 4 || rows[1][1] != "10" {
		t.Fatalf("rows = %v", rows)
	}

	res = call(t, r, "export_dataframe", map[string]any{"dataframe_name": "sales_Q1", "file_name": "s.csv", "format": "csv"})
	if res.IsError {
		t.Fatalf("csv export failed: %s", res.Content)
	}
	data, err := os.ReadFile(filepath.Join(out, "s.csv"))
	if err != nil || !strings.HasPrefix(string(data), "region,amount\n") {
		t.Fatalf("csv export = %q, %v", data, err)
	}
}

type fakeExecutor struct {
	job sandbox.Job
	res *sandbox.Result
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, job sandbox.Job) (*sandbox.Result, error) {
	f.job = job
	return f.res, f.err
}

func TestPythonToolBindsTables(t *testing.T) {
	t.Parallel()

	tbl := table.FromRecords("sales_Q1", [][]string{{"a"}, {"1"}})
	tbl.Source = "/data/uploads/sales.xlsx"
	tbl.Sheet = "Q1"
	tbl.Format = table.FormatXLSX
	fake := &fakeExecutor{res: &sandbox.Result{Stdout: "3\n"}}

	r := NewRegistry(NewPython(fake, table.NewStore(tbl), "/data/temp_charts", "/data/uploads").Tool())
	res := call(t, r, "run_python_code", map[string]any{"code": "x = 3", "variable_to_return": "x"})
	if res.IsError || res.Content != "3" {
		t.Fatalf("unexpected result %+v", res)
	}
	if fake.job.WorkDir != "/data/temp_charts" || fake.job.ReturnVar != "x" {
		t.Errorf("job = %+v", fake.job)
	}
	if len(fake.job.Bindings) != 1 || fake.job.Bindings[0].Var != "df_sales_Q1" || fake.job.Bindings[0].Sheet != "Q1" {
		t.Errorf("bindings = %+v", fake.job.Bindings)
	}
}

func TestPythonToolFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeExecutor{res: &sandbox.Result{Stderr: "NameError", ExitCode: 1}}
	r := NewRegistry(NewPython(fake, table.NewStore(), "/out", "").Tool())
	if res := call(t, r, "run_python_code", map[string]any{"code": "y"}); !res.IsError || !strings.Contains(res.Content, "NameError") {
		t.Fatalf("expected error with stderr, got %+v", res)
	}
	if res := call(t, r, "run_python_code", map[string]any{}); !res.IsError {
		t.Fatalf("expected error for missing code")
	}

	fake.err = errors.New("docker unavailable")
	if res := call(t, r, "run_python_code", map[string]any{"code": "1"}); !res.IsError {
		t.Fatalf("expected executor error to surface")
	}
}

func TestRegistryRecoversPanics(t *testing.T) {
	t.Parallel()

	boom := New(llm.ToolSpec{Name: "boom"}, func(context.Context, json.RawMessage) (string, error) {
		panic("kaboom")
	})
	r := NewRegistry(boom)
	res := call(t, r, "boom", nil)
	if !res.IsError || !strings.Contains(res.Content, "kaboom") {
		t.Fatalf("expected panic as tool error, got %+v", res)
	}
	if res := call(t, r, "missing", nil); !res.IsError {
		t.Fatalf("expected unknown tool error")
	}
}

func TestReasoningTools(t *testing.T) {
	t.Parallel()

	reasoning := NewReasoning()
	r := NewRegistry(reasoning.Tools()...)
	if got := r.Names(); len(got) != 2 || got[0] != "think" || got[1] != "analyze" {
		t.Fatalf("names = %v", got)
	}
	call(t, r, "think", map[string]any{"thought": "look at Q1"})
	res := call(t, r, "analyze", map[string]any{"result": "ok", "analysis": "fine", "next_action": "final_answer"})
	if res.IsError || !strings.HasPrefix(res.Content, "1. Thought: look at Q1") {
		t.Fatalf("analyze = %+v", res)
	}
	if len(reasoning.Steps()) != 2 {
		t.Fatalf("steps = %v", reasoning.Steps())
	}
	if res := call(t, r, "analyze", map[string]any{"result": "x", "analysis": "y", "next_action": "dance"}); !res.IsError {
		t.Fatalf("expected invalid next_action error")
	}
}
