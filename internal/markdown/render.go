package markdown

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/user/selecta/pkg/agent"
)

// MaxTableRows caps the data rows rendered by ResultsTable.
const MaxTableRows = 10

// ResultsTable renders the result as a markdown table. Pre-rendered markdown
// on the result wins; otherwise the first MaxTableRows rows are rendered
// from columns and rows. It returns "" when there is nothing to render.
func ResultsTable(r *agent.Result) string {
	if r == nil {
		return ""
	}
	if md := strings.TrimSpace(r.ResultsMarkdown); md != "" {
		return md
	}
	if len(r.Columns) == 0 || len(r.Rows) == 0 {
		return ""
	}

	p := message.NewPrinter(language.English)
	divider := make([]string, len(r.Columns))
	for i := range divider {
		divider[i] = "---"
	}

	lines := []string{
		"| " + strings.Join(r.Columns, " | ") + " |",
		"| " + strings.Join(divider, " | ") + " |",
	}
	rows := r.Rows
	if len(rows) > MaxTableRows {
		rows = rows[:MaxTableRows]
	}
	cells := make([]string, len(r.Columns))
	for _, row := range rows {
		for i, col := range r.Columns {
			cells[i] = formatCell(p, row[col])
		}
		lines = append(lines, "| "+strings.Join(cells, " | ")+" |")
	}
	return strings.Join(lines, "\n")
}

func formatCell(p *message.Printer, v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return fmt.Sprint(x)
	case float64:
		return formatFloat(p, x)
	case float32:
		return formatFloat(p, float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return formatFloat(p, f)
		}
		return x.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return p.Sprint(number.Decimal(x))
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(p *message.Printer, f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return p.Sprint(number.Decimal(f, number.MaxFractionDigits(3)))
}

// Insights normalizes business insights into markdown bullet lines. Entries
// are trimmed, empty ones dropped and a "- " prefix added unless the entry
// already starts with "-". It returns "" when nothing remains.
func Insights(in agent.Insights) string {
	var bullets []string
	for _, entry := range in.Lines() {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.HasPrefix(entry, "-") {
			entry = "- " + entry
		}
		bullets = append(bullets, entry)
	}
	return strings.Join(bullets, "\n")
}

// Structured renders the summary, results table and business insights of a
// result as "### " sections separated by a blank line. It returns "" when the
// result has none of them.
func Structured(r *agent.Result) string {
	if r == nil {
		return ""
	}
	var parts []string
	if summary := strings.TrimSpace(r.Summary); summary != "" {
		parts = append(parts, "### "+HeadingSummary+"\n"+summary)
	}
	if table := ResultsTable(r); table != "" {
		parts = append(parts, "### "+HeadingResults+"\n"+table)
	}
	if insights := Insights(r.BusinessInsights); insights != "" {
		parts = append(parts, "### "+HeadingInsights+"\n"+insights)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// EnsureSpacing inserts a blank line after every "### " heading line that is
// directly followed by content.
func EnsureSpacing(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	b.Grow(len(text) + 16)
	for i, line := range lines {
		b.WriteString(line)
		if i == len(lines)-1 {
			break
		}
		b.WriteByte('\n')
		if isHeadingLine(line) && !followedByBlank(lines, i) {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// isHeadingLine reports whether line contains "###" followed by whitespace
// and heading text.
func isHeadingLine(line string) bool {
	for rest := line; ; {
		idx := strings.Index(rest, "###")
		if idx < 0 {
			return false
		}
		tail := rest[idx+3:]
		if len(tail) >= 2 && isSpace(tail[0]) {
			return true
		}
		rest = rest[idx+1:]
	}
}

// followedByBlank reports whether the line after i is whitespace-only and is
// itself terminated by a newline.
func followedByBlank(lines []string, i int) bool {
	next := i + 1
	if next >= len(lines)-1 {
		return false
	}
	return strings.TrimSpace(lines[next]) == ""
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\f', '\v':
		return true
	}
	return false
}
