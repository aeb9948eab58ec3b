package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/richinex/postloop/model"
	"github.com/richinex/postloop/orchestration"
	"github.com/richinex/postloop/storage"
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#5B8DEF"))

var passStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#50FA7B"))

var failStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#FF6B6B"))

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#888888"))

var boxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("#444444")).
	Padding(0, 1)

func scoreLabel(score, target int) string {
	label := fmt.Sprintf("%d/100", score)
	if score >= target {
		return passStyle.Render(label)
	}
	return failStyle.Render(label)
}

func printSummary(w io.Writer, title string, runID fmt.Stringer, score, target, iterations int) {
	fmt.Fprintln(w, titleStyle.Render(title))
	fmt.Fprintf(w, "%s %s  %s %d  %s %s\n",
		dimStyle.Render("score"), scoreLabel(score, target),
		dimStyle.Render("iterations"), iterations,
		dimStyle.Render("run"), runID)
}

func printHistory(w io.Writer, history []model.HistoryEntry, target int) {
	for _, h := range history {
		fmt.Fprintf(w, "  %d. %s %s\n", h.Iteration, scoreLabel(h.Score, target), dimStyle.Render(truncateString(h.Critique, 100)))
	}
}

func printAudit(w io.Writer, audit orchestration.AuditReport) {
	if audit.Complete() {
		return
	}
	fmt.Fprintln(w, failStyle.Render(fmt.Sprintf("audit log incomplete: %d write(s) failed", len(audit.Failures))))
}

func printDocumentResult(w io.Writer, res orchestration.Result[string], target int) {
	printSummary(w, "Refined post", res.RunID, res.Score, target, res.Iterations)
	printHistory(w, res.History, target)
	printAudit(w, res.Audit)
	fmt.Fprintln(w, boxStyle.Render(res.Artifact))
}

func printListResult(w io.Writer, res orchestration.Result[[]model.TopicRecord], target int) {
	printSummary(w, "Refined topics", res.RunID, res.Score, target, res.Iterations)
	printHistory(w, res.History, target)
	printAudit(w, res.Audit)

	lines := make([]string, 0, len(res.Artifact))
	for i, t := range res.Artifact {
		line := fmt.Sprintf("%2d. %s %s", i+1, t.Topic, dimStyle.Render("["+t.Category+"]"))
		if len(t.Tags) > 0 {
			line += " " + dimStyle.Render(strings.Join(t.Tags, ", "))
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, failStyle.Render("no topics could be parsed"))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))

	if v := res.Validation; v != nil {
		for _, e := range v.Errors {
			fmt.Fprintln(w, failStyle.Render("error: ")+e.Field+": "+e.Message)
		}
		for _, warning := range v.Warnings {
			fmt.Fprintln(w, dimStyle.Render("warning: "+warning))
		}
	}
}

func printBatch(w io.Writer, items []orchestration.BatchItem, target int) {
	for _, item := range items {
		if item.Err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", failStyle.Render("FAIL"), item.Request.Topic, item.Err)
			continue
		}
		printDocumentResult(w, item.Result, target)
	}
}

func printRuns(w io.Writer, runs []model.AgentRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs"))
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-8s  %-10s  score %3d  iter %d  %s\n",
			r.ID, r.Mode, r.Tenant, r.FinalScore, r.TotalIterations,
			dimStyle.Render(truncateString(r.SubjectLabel, 50)))
	}
}

func printRunDetail(w io.Writer, run model.AgentRun, its []model.AgentIteration) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Run %s", run.ID)))
	fmt.Fprintf(w, "%s %s  %s %s  %s %s\n",
		dimStyle.Render("tenant"), run.Tenant,
		dimStyle.Render("mode"), run.Mode,
		dimStyle.Render("subject"), run.SubjectLabel)
	fmt.Fprintf(w, "%s %d  %s %d  %s %s\n\n",
		dimStyle.Render("score"), run.FinalScore,
		dimStyle.Render("iterations"), run.TotalIterations,
		dimStyle.Render("created"), run.CreatedAt.Format("2006-01-02 15:04:05"))

	for _, it := range its {
		header := fmt.Sprintf("[%d] %s", it.IterationNumber, it.Role)
		if it.Score != nil {
			header += fmt.Sprintf(" score=%d", *it.Score)
		}
		fmt.Fprintln(w, titleStyle.Render(header))
		if it.Critique != nil && *it.Critique != "" {
			fmt.Fprintln(w, dimStyle.Render(*it.Critique))
		}
		fmt.Fprintln(w, truncateString(it.Output, 400))
		fmt.Fprintln(w)
	}
}

func printSettings(w io.Writer, settings []storage.Setting) {
	if len(settings) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no settings stored"))
		return
	}
	for _, s := range settings {
		fmt.Fprintf(w, "%s = %s\n", s.Key, truncateString(strings.ReplaceAll(s.Value, "\n", " "), 80))
	}
}

type runDetail struct {
	Run        model.AgentRun         `json:"run"`
	Iterations []model.AgentIteration `json:"iterations"`
}

type batchItemJSON struct {
	Topic  string                        `json:"topic"`
	Result *orchestration.Result[string] `json:"result,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

func batchJSON(items []orchestration.BatchItem) []batchItemJSON {
	out := make([]batchItemJSON, len(items))
	for i, item := range items {
		out[i].Topic = item.Request.Topic
		if item.Err != nil {
			out[i].Error = item.Err.Error()
			continue
		}
		res := item.Result
		out[i].Result = &res
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateString truncates a string to maxLen runes, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
