package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PRArgs describes the pull request to open.
type PRArgs struct {
	Owner     string
	Repo      string
	Title     string
	Body      string
	Head      string
	Base      string
	Draft     bool
	Labels    []string
	Assignees []string
	// LinkedIssues are issue numbers the PR should close on merge.
	LinkedIssues []int
}

// PRResult is the created pull request.
type PRResult struct {
	Number int
	URL    string
	State  string
}

// CreatePR opens a pull request through the gh CLI and parses the PR number
// from the returned URL.
func CreatePR(path string, args PRArgs) (*PRResult, error) {
	body := args.Body
	for _, n := range args.LinkedIssues {
		closer := fmt.Sprintf("Closes #%d", n)
		if !strings.Contains(body, closer) {
			body += "\n\n" + closer
		}
	}

	cliArgs := []string{"pr", "create",
		"--head", args.Head,
		"--base", args.Base,
		"--title", args.Title,
		"--body", body,
	}
	if args.Draft {
		cliArgs = append(cliArgs, "--draft")
	}
	if args.Owner != "" && args.Repo != "" {
		cliArgs = append(cliArgs, "-R", args.Owner+"/"+args.Repo)
	}
	for _, l := range args.Labels {
		cliArgs = append(cliArgs, "--label", l)
	}
	for _, a := range args.Assignees {
		cliArgs = append(cliArgs, "--assignee", a)
	}

	cmd := exec.Command("gh", cliArgs...)
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to create PR: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	prURL := strings.TrimSpace(string(out))
	// gh may print extra lines; the URL is the last one.
	if i := strings.LastIndex(prURL, "\n"); i >= 0 {
		prURL = strings.TrimSpace(prURL[i+1:])
	}

	result := &PRResult{URL: prURL, State: "open"}
	parts := strings.Split(prURL, "/")
	if len(parts) > 0 {
		result.Number, _ = strconv.Atoi(parts[len(parts)-1])
	}
	return result, nil
}
