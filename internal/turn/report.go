package turn

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/MakeNowJust/heredoc"

	"github.com/ashureev/datalab/internal/artifact"
	"github.com/ashureev/datalab/internal/runtime"
)

// ReportFileName is the name the report must be saved under.
const ReportFileName = artifact.ReportFileName

// Report outcome messages.
const (
	ReportMissingWarning = "报告生成未成功：未找到报告文件，请重试。"
	ReportDoneMessage    = "报告已生成，请在页面上方查看和下载。"
	ReportRequestPrefix  = "[报告生成请求] "
	ReportErrorPrefix    = "报告生成出错: "
)

var reportRequirements = heredoc.Doc(`
	要求：
	1. 生成一个自包含的 HTML 报告文件，文件名为 '数据分析报告.html'
	2. 报告中内嵌 Plotly 图表（使用 fig.to_html(full_html=False, include_plotlyjs='cdn') 获取图表片段）
	3. 报告应包含：标题、数据概述、可视化图表、数据表格、文字分析和结论
	4. 使用美观的 HTML/CSS 样式排版
	5. 将报告保存到 os.path.join(CHART_DIR, '数据分析报告.html')
	6. 报告中所有结论和分析必须严格基于数据，不得包含任何没有数据支撑的推测性内容
	7. 每个结论必须引用具体的数据指标（数值、百分比、排名等），禁止使用没有量化依据的模糊描述
`)

// ReportPrompt returns the prompt that asks the agent for a report.
func ReportPrompt(request string) string {
	return "请根据以下需求生成一份完整的数据分析报告：\n\n" + request + "\n\n" + reportRequirements
}

// ReportResult is the outcome of a report run.
type ReportResult struct {
	Turn Result
	// Path is the report file, empty when none was written.
	Path string
	// Warning is set when the run finished but produced no report.
	Warning string
}

// Found reports whether the report file exists.
func (r ReportResult) Found() bool { return r.Path != "" }

// GenerateReport runs the report prompt and looks for the report under
// outDir afterwards.
func GenerateReport(ctx context.Context, runner runtime.Runner, request, outDir string, hooks Hooks) ReportResult {
	res := ReportResult{Turn: Run(ctx, runner, ReportPrompt(request), hooks)}
	if res.Turn.Err != nil {
		res.Warning = ReportErrorPrefix + res.Turn.Err.Error()
		return res
	}
	path, err := FindReport(outDir)
	if err != nil {
		res.Warning = ReportMissingWarning
		return res
	}
	res.Path = path
	return res
}

// errFound stops the walk once the report is located.
var errFound = errors.New("found")

// FindReport searches dir recursively for the report file.
func FindReport(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == ReportFileName {
			found = path
			return errFound
		}
		return nil
	})
	if found != "" {
		return found, nil
	}
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("search report: %w", err)
	}
	return "", fs.ErrNotExist
}
