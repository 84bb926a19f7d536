package stream

import (
	"fmt"
	"strings"

	"github.com/marrasen/agentbridge/tasks"
)

const summaryResultWidth = 80

// RenderSummary renders runs as a markdown report: a status count line, a
// table of every run and each run's full result.
func RenderSummary(runs []tasks.Run) string {
	var b strings.Builder
	b.WriteString("# Task summary\n\n")
	if len(runs) == 0 {
		b.WriteString("No tasks.\n")
		return b.String()
	}

	counts := make(map[tasks.Status]int)
	for _, run := range runs {
		counts[run.Status]++
	}
	var parts []string
	for _, s := range tasks.Statuses() {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	noun := "tasks"
	if len(runs) == 1 {
		noun = "task"
	}
	fmt.Fprintf(&b, "%d %s: %s\n\n", len(runs), noun, strings.Join(parts, ", "))

	b.WriteString("| Task | Status | Query | Result |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, run := range runs {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n",
			run.ID(), run.Status, cell(run.Query), cell(run.Result()))
	}

	for _, run := range runs {
		fmt.Fprintf(&b, "\n## %s\n\n", run.ID())
		fmt.Fprintf(&b, "**Query:** %s\n\n", run.Query)
		fmt.Fprintf(&b, "**Status:** %s", run.Status)
		if run.Reason != "" && string(run.Reason) != string(run.Status) {
			fmt.Fprintf(&b, " (%s)", run.Reason)
		}
		b.WriteString("\n\n")
		if run.Usage != nil {
			fmt.Fprintf(&b, "**Tokens:** %d in, %d out, cost %.4f\n\n",
				run.Usage.TotalTokensIn, run.Usage.TotalTokensOut, run.Usage.TotalCost)
		}
		b.WriteString(run.Result())
		b.WriteString("\n")
	}
	return b.String()
}

// cell flattens s into a single table cell.
func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	if r := []rune(s); len(r) > summaryResultWidth {
		s = string(r[:summaryResultWidth-1]) + "…"
	}
	return s
}
