package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
)

// ExportJSON renders any report deterministically: same input data, same
// bytes, apart from the generated_at stamp inside the report itself.
func ExportJSON(rep any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rep); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveJSON writes the report next to other exports, creating the directory
// if needed.
func SaveJSON(dir, name string, rep any) (string, error) {
	data, err := ExportJSON(rep)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func cellTable(title string, cells []Cell) table.Writer {
	t := table.NewWriter()
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Label", "Runs", "Success", "Rate", "Captcha Rate", "Detection", "Avg ms", "Note"})
	for _, c := range cells {
		t.AppendRow(table.Row{
			c.Label, c.Summary.TotalRuns, c.Summary.Successful,
			fmt.Sprintf("%.2f", c.Summary.SuccessRate),
			fmt.Sprintf("%.2f", c.Summary.CaptchaSuccessRate),
			fmt.Sprintf("%.2f", c.Summary.DetectionRate),
			c.Summary.AvgDurationMS, c.Note,
		})
	}
	return t
}

func solverTable(solvers []SolverStats) table.Writer {
	t := table.NewWriter()
	t.SetTitle("Captcha Solvers")
	t.AppendHeader(table.Row{"Solver", "Attempts", "Solved", "Rate", "Avg ms", "Cost", "Cost/Solve", "Note"})
	for _, s := range solvers {
		t.AppendRow(table.Row{
			s.Solver, s.Attempts, s.Solved,
			fmt.Sprintf("%.2f", s.SuccessRate), s.AvgSolveTimeMS,
			fmt.Sprintf("%.4f", s.TotalCost), fmt.Sprintf("%.4f", s.CostPerSolve), s.Note,
		})
	}
	return t
}

// ExportHTML renders a platform report as a standalone HTML fragment.
func (r PlatformReport) ExportHTML() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<h1>Platform report: %s</h1>\n", r.Platform)
	fmt.Fprintf(&buf, "<p>Window %s to %s, generated %s</p>\n",
		r.Window.Since.Format("2006-01-02"), r.Window.Until.Format("2006-01-02"),
		r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if r.Degraded {
		buf.WriteString("<p><em>Partial data: primary store was unreachable.</em></p>\n")
	}
	buf.WriteString(cellTable("Overall", []Cell{r.Overall}).RenderHTML())
	buf.WriteString("\n")
	buf.WriteString(cellTable("Bot Types", r.BotTypes).RenderHTML())
	buf.WriteString("\n")
	buf.WriteString(solverTable(r.Solvers).RenderHTML())
	buf.WriteString("\n")
	return buf.String()
}

// ExportHTML renders a comparative report as a standalone HTML fragment.
func (r ComparativeReport) ExportHTML() string {
	var buf bytes.Buffer
	buf.WriteString("<h1>Comparative platform report</h1>\n")
	fmt.Fprintf(&buf, "<p>Window %s to %s, generated %s</p>\n",
		r.Window.Since.Format("2006-01-02"), r.Window.Until.Format("2006-01-02"),
		r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if r.Degraded {
		buf.WriteString("<p><em>Partial data: primary store was unreachable.</em></p>\n")
	}
	buf.WriteString(cellTable("Platforms (ranked)", r.Platforms).RenderHTML())
	buf.WriteString("\n")
	return buf.String()
}

// SaveHTML writes an HTML export to dir/name.html.
func SaveHTML(dir, name, html string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".html")
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
