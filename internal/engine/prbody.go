package engine

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/foreman/internal/workflow"
)

const maxFilesPerStep = 10

// RenderPRBody produces the pull request description for a finished
// workflow: summary, step checklist with file changes, and budget totals.
func RenderPRBody(w *workflow.Workflow) string {
	var b strings.Builder

	b.WriteString("## Summary\n\n")
	if w.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", w.Description)
	} else {
		fmt.Fprintf(&b, "%s\n\n", w.Title)
	}

	if w.IssueNumber > 0 {
		fmt.Fprintf(&b, "Closes #%d\n\n", w.IssueNumber)
	}

	b.WriteString("## Steps Completed\n\n")
	completed := 0
	for i := range w.Steps {
		step := &w.Steps[i]
		marker := stepMarker(step.Status)
		if step.Status == workflow.StepComplete {
			completed++
		}
		fmt.Fprintf(&b, "- [%s] Step %d: %s\n", marker, step.Index+1, step.Title)

		shown := step.FilesChanged
		extra := 0
		if len(shown) > maxFilesPerStep {
			extra = len(shown) - maxFilesPerStep
			shown = shown[:maxFilesPerStep]
		}
		for _, fc := range shown {
			fmt.Fprintf(&b, "  - %s (+%d/-%d)\n", fc.Path, fc.Additions, fc.Deletions)
		}
		if extra > 0 {
			fmt.Fprintf(&b, "  - ... and %d more files\n", extra)
		}
	}
	b.WriteString("\n")

	b.WriteString("## Budget\n\n")
	fmt.Fprintf(&b, "- tokens: %d\n", w.TotalTokens)
	fmt.Fprintf(&b, "- toolCalls: %d\n", w.TotalToolCalls)
	fmt.Fprintf(&b, "- %d/%d steps complete\n\n", completed, len(w.Steps))

	b.WriteString("Generated by Foreman\n")
	return b.String()
}

func stepMarker(s workflow.StepStatus) string {
	switch s {
	case workflow.StepComplete:
		return "+"
	case workflow.StepSkipped:
		return "-"
	default:
		return "x"
	}
}
