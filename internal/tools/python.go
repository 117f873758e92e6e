package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/sandbox"
	"github.com/ashureev/datalab/internal/table"
)

// Python runs generated code with every table pre-loaded as df_<name>.
type Python struct {
	exec     sandbox.Executor
	bindings []sandbox.Binding
	outDir   string
	dataDir  string
}

// NewPython binds the code-exec tool to tables. outDir is the working
// directory and CHART_DIR of every run. Tables without a source file are
// not bound.
func NewPython(exec sandbox.Executor, tables *table.Store, outDir, dataDir string) *Python {
	var bindings []sandbox.Binding
	for _, t := range tables.Tables() {
		if t.Source == "" {
			continue
		}
		bindings = append(bindings, sandbox.Binding{
			Var:    t.VarName(),
			Path:   t.Source,
			Sheet:  t.Sheet,
			Format: string(t.Format),
		})
	}
	return &Python{exec: exec, bindings: bindings, outDir: outDir, dataDir: dataDir}
}

// Tool returns run_python_code.
func (p *Python) Tool() Tool {
	return New(llm.ToolSpec{
		Name:        "run_python_code",
		Description: "Run Python code with pandas, numpy and plotly available. Loaded dataframes and CHART_DIR are predefined. Returns printed output, or the value of variable_to_return.",
		Parameters: schema(map[string]any{
			"code":               prop("string", "The Python code to run."),
			"variable_to_return": prop("string", "Optional name of a variable whose value should be returned."),
		}, "code"),
	}, p.call)
}

func (p *Python) call(ctx context.Context, raw json.RawMessage) (string, error) {
	var in struct {
		Code             string `json:"code"`
		VariableToReturn string `json:"variable_to_return"`
	}
	if err := decode(raw, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Code) == "" {
		return "", fmt.Errorf("'code' parameter is required")
	}

	res, err := p.exec.Execute(ctx, sandbox.Job{
		Code:      in.Code,
		ReturnVar: in.VariableToReturn,
		WorkDir:   p.outDir,
		DataDir:   p.dataDir,
		Bindings:  p.bindings,
	})
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", fmt.Errorf("python exited with code %d:\n%s", res.ExitCode, res.Output())
	}
	out := res.Output()
	if out == "" {
		return "successfully ran python code", nil
	}
	return out, nil
}
