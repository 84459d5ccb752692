package engine

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/foreman/internal/workflow"
)

// BuildStepPrompt constructs the message sent to a step's agent session:
// the step itself, results of its dependencies, provisioned credentials by
// purpose, and the surrounding workflow context.
func BuildStepPrompt(w *workflow.Workflow, step *workflow.Step, leased []LeasedCredential) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Step %d: %s\n\n", step.Index+1, step.Title)
	if step.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", step.Description)
	}

	if len(step.DependsOn) > 0 {
		b.WriteString("## Previous step results:\n")
		for _, depID := range step.DependsOn {
			dep := w.StepByID(depID)
			if dep == nil {
				continue
			}
			result := dep.Result
			if result == "" {
				result = "(no output)"
			}
			fmt.Fprintf(&b, "- Step %d (%s): %s\n", dep.Index+1, dep.Title, result)
		}
		b.WriteString("\n")
	}

	if len(leased) > 0 {
		b.WriteString("## Available Credentials:\n")
		for _, lc := range leased {
			purpose := lc.Purpose
			if purpose == "" {
				purpose = "general use"
			}
			fmt.Fprintf(&b, "- %s (%s)\n", purpose, lc.CredentialID)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Workflow context:\n")
	fmt.Fprintf(&b, "Title: %s\n", w.Title)
	if w.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", w.Description)
	}
	if w.IssueNumber > 0 {
		fmt.Fprintf(&b, "Issue: #%d\n", w.IssueNumber)
	}

	return b.String()
}

// BuildSystemPrompt describes the repository and branch discipline to the
// agent. Sessions commit to the work branch; the engine handles the push.
func BuildSystemPrompt(w *workflow.Workflow) string {
	var b strings.Builder

	b.WriteString("You are executing one step of an automated workflow.\n")
	if w.Repo != nil {
		fmt.Fprintf(&b, "Repository: %s/%s at %s\n", w.Repo.Owner, w.Repo.Name, w.Repo.Path)
	}
	fmt.Fprintf(&b, "Work on branch %q (branched from %q).\n", w.WorkBranch, w.BaseBranch)
	b.WriteString("Commit your changes with clear messages, but do NOT push; the branch is pushed once every step has finished.\n")

	return b.String()
}
