package agent

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"

	"github.com/ashureev/datalab/internal/table"
	"github.com/ashureev/datalab/internal/tools"
)

// Agent and member names.
const (
	SingleAgentName   = "数据分析助手"
	TeamName          = "数据分析团队"
	AnalysisAgentName = "数据分析专员"
	VisualAgentName   = "数据可视化专员"
)

const analysisRole = "负责使用数据表工具处理、分析和统计数据"

const visualRole = "负责使用 Python 代码生成 Plotly 可视化图表和导出文件"

var analysisInstructions = heredoc.Doc(`
	你是数据分析专员，请始终用中文回答。
	请使用数据表工具（list_dataframes、run_dataframe_operation、export_dataframe）对数据进行深入分析，提取有价值的结论。
	不要自己尝试画图，也不要编写 Python 代码。
	数值结果请给出具体数字。
`)

var visualInstructions = heredoc.Doc(`
	你是数据可视化专员，请始终用中文回答。
	请使用 run_python_code 和 Plotly 生成美观的可视化图表，严格遵守图表保存和导出的规范。
`)

var rules = heredoc.Doc(`
	可视化规范：
	- 使用 plotly.express (px) 或 plotly.graph_objects (go) 创建图表
	- 图表保存方式: ` + "`fig.write_html(os.path.join(CHART_DIR, '描述性名称.html'))`" + `，或 ` + "`fig.write_image(os.path.join(CHART_DIR, '描述性名称.png'))`" + `
	- CHART_DIR 变量已预定义，直接使用即可，不要自己定义路径
	- 绝对不要调用 ` + "`fig.show()`" + `
	- 确保图表有中文标题和轴标签

	文件导出规范：
	- 当用户需要导出数据时，使用 ` + "`df.to_excel(os.path.join(CHART_DIR, '描述性名称.xlsx'), index=False)`" + ` 或 ` + "`df.to_csv(os.path.join(CHART_DIR, '描述性名称.csv'), index=False)`" + ` 保存文件
	- 始终使用 os.path.join(CHART_DIR, '文件名') 构建保存路径
	- 文件保存后页面上会自动出现下载按钮供用户下载

	报告生成规范：
	- 当用户要求生成报告时，创建一个自包含的 HTML 报告文件
	- 报告中使用内嵌的 Plotly 图表（通过 fig.to_html(full_html=False, include_plotlyjs='cdn') 获取图表 HTML 片段）
	- 报告应包含：标题、数据概述、图表可视化、数据表格、文字分析和结论
	- 报告保存方式: 将完整 HTML 字符串写入 ` + "`os.path.join(CHART_DIR, '报告名称.html')`" + `
	- 使用 ` + "`with open(os.path.join(CHART_DIR, '报告名称.html'), 'w', encoding='utf-8') as f: f.write(html_content)`" + `

	回答规范：
	- 先分析数据，再给出结论
	- 如果需要可视化，先说明你要创建什么图表，然后生成
	- 数值结果请给出具体数字

	错误处理规范：
	- 当工具调用返回错误时，你必须分析错误信息，修正参数或换一种方法重试，绝对不要停下来
	- 如果数据表工具报错，改用 run_python_code 直接写 pandas 代码实现同样的操作
	- 如果某个方法不可用，尝试等价的替代方法
	- 最多重试 3 次不同的方案，如果仍然失败，向用户说明原因并给出建议
`)

// Instructions builds the system instructions shared by the single agent and
// the team leader.
func Instructions(tables *table.Store) string {
	var b strings.Builder
	b.WriteString("你是一位专业的数据分析师，请始终用中文回答用户的问题。\n")
	b.WriteString("你有两类工具可以使用：\n")
	b.WriteString("1. **数据表工具**（list_dataframes、run_dataframe_operation、export_dataframe）：用于数据探索和分析操作（如查看数据形状、描述统计、筛选、分组聚合等）。\n")
	b.WriteString("2. **run_python_code**：用于执行 Python 代码，尤其是用 Plotly 生成可视化图表。\n\n")
	b.WriteString("当前可用的数据：\n")
	b.WriteString(TableInfo(tables))
	b.WriteString("\n\n")
	b.WriteString(rules)
	b.WriteString("\n")
	b.WriteString(tools.ReasoningInstructions)
	return b.String()
}

// TableInfo lists every table with its code-exec variable, row count and
// typed columns.
func TableInfo(tables *table.Store) string {
	if tables.Len() == 0 {
		return "  暂无数据"
	}
	lines := make([]string, 0, tables.Len())
	for _, t := range tables.Tables() {
		cols := make([]string, 0)
		for _, c := range t.Columns() {
			cols = append(cols, fmt.Sprintf("%s(%s)", c.Name, c.Type))
		}
		lines = append(lines, fmt.Sprintf("  - 数据表工具中的名称: '%s', run_python_code 中的变量名: `%s`, 行数: %d, 列: [%s]",
			t.Name, t.VarName(), t.Rows(), strings.Join(cols, ", ")))
	}
	return strings.Join(lines, "\n")
}

func teamInstructions(tables *table.Store) string {
	var b strings.Builder
	b.WriteString(Instructions(tables))
	b.WriteString("\n## 团队协作\n")
	b.WriteString("- 这是一个多数据表分析任务，你需要协调数据分析专员和数据可视化专员共同完成任务。\n")
	fmt.Fprintf(&b, "- %s：%s。\n", AnalysisAgentName, analysisRole)
	fmt.Fprintf(&b, "- %s：%s。\n", VisualAgentName, visualRole)
	b.WriteString("- 使用 delegate_task_to_member 分派任务，member_id 填写成员名称，并汇总成员的结果给出最终回答。\n")
	return b.String()
}

func memberInstructions(base string, tables *table.Store) string {
	return base + "\n当前可用的数据：\n" + TableInfo(tables) + "\n"
}
