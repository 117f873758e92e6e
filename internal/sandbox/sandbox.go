// Package sandbox executes generated Python analysis code against the
// session's tables.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Binding pre-loads one table into a Python variable.
type Binding struct {
	Var    string
	Path   string
	Sheet  string
	Format string // xlsx, xls or csv
}

// Job is one code execution request.
type Job struct {
	Code string
	// ReturnVar, when set, is printed after the code runs.
	ReturnVar string
	// WorkDir is the output directory. It becomes the process working
	// directory and CHART_DIR.
	WorkDir string
	// DataDir holds the files referenced by Bindings.
	DataDir  string
	Bindings []Binding
}

// Result is the outcome of a job.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Failed reports whether the code exited non-zero.
func (r *Result) Failed() bool { return r.ExitCode != 0 }

// Output combines stdout and stderr for display to the model.
func (r *Result) Output() string {
	out := strings.TrimRight(r.Stdout, "\n")
	if errText := strings.TrimRight(r.Stderr, "\n"); errText != "" {
		if out != "" {
			out += "\n"
		}
		out += errText
	}
	return out
}

// Executor runs jobs.
type Executor interface {
	Execute(ctx context.Context, job Job) (*Result, error)
}

// Paths maps the job directories to the paths the interpreter sees.
type Paths struct {
	ChartDir string
	DataDir  string
}

// Script renders the full Python program for job. Data paths are rewritten
// from job.DataDir to paths.DataDir.
func Script(job Job, paths Paths) (string, error) {
	var b strings.Builder
	b.WriteString("import os, sys, json\n")
	b.WriteString("import pandas as pd\n")
	b.WriteString("import numpy as np\n")
	b.WriteString("try:\n    import plotly.express as px\n    import plotly.graph_objects as go\nexcept ImportError:\n    pass\n")
	fmt.Fprintf(&b, "CHART_DIR = %s\n", pyString(paths.ChartDir))
	b.WriteString("os.makedirs(CHART_DIR, exist_ok=True)\n")

	for _, bind := range job.Bindings {
		p, err := rebase(bind.Path, job.DataDir, paths.DataDir)
		if err != nil {
			return "", err
		}
		switch bind.Format {
		case "csv":
			fmt.Fprintf(&b, "%s = pd.read_csv(%s)\n", bind.Var, pyString(p))
		default:
			fmt.Fprintf(&b, "%s = pd.read_excel(%s, sheet_name=%s)\n", bind.Var, pyString(p), pyString(bind.Sheet))
		}
	}
	if len(job.Bindings) == 1 {
		fmt.Fprintf(&b, "df = %s\n", job.Bindings[0].Var)
	}

	fmt.Fprintf(&b, "exec(compile(%s, '<analysis>', 'exec'))\n", pyString(job.Code))
	if job.ReturnVar != "" {
		fmt.Fprintf(&b, "if %s in globals():\n    print(repr(globals()[%s]))\n", pyString(job.ReturnVar), pyString(job.ReturnVar))
		fmt.Fprintf(&b, "else:\n    print('variable ' + %s + ' not found', file=sys.stderr)\n    sys.exit(1)\n", pyString(job.ReturnVar))
	}
	return b.String(), nil
}

// pyString quotes s as a Python string literal. JSON string syntax is a
// valid Python literal for every input.
func pyString(s string) string {
	q, _ := json.Marshal(s)
	return string(q)
}

func rebase(path, from, to string) (string, error) {
	if from == "" || from == to {
		return path, nil
	}
	rel, ok := strings.CutPrefix(path, strings.TrimRight(from, "/")+"/")
	if !ok {
		return "", fmt.Errorf("binding %s is outside data dir %s", path, from)
	}
	return strings.TrimRight(to, "/") + "/" + rel, nil
}
