// Package git shells out to the git and gh CLIs for the repository
// operations the workflow engine needs: repo resolution, commit and diff
// inspection, branch push, and draft PR creation.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// RepoContext identifies the repository a workflow operates on.
type RepoContext struct {
	Path      string
	Remote    string
	RemoteURL string
	Owner     string
	Name      string
}

// ResolveRepoContext inspects the repository containing cwd. It fails when
// cwd is not inside a work tree or the origin remote URL cannot be parsed
// into owner/name.
func ResolveRepoContext(cwd string) (*RepoContext, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("not inside a git repository: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	path := strings.TrimSpace(string(out))

	cmd = exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = path
	out, err = cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to read origin remote: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	remoteURL := strings.TrimSpace(string(out))

	owner, name, err := parseRemoteURL(remoteURL)
	if err != nil {
		return nil, err
	}

	return &RepoContext{
		Path:      path,
		Remote:    "origin",
		RemoteURL: remoteURL,
		Owner:     owner,
		Name:      name,
	}, nil
}

// parseRemoteURL extracts owner and repo name from ssh
// (git@host:owner/repo.git) or https (https://host/owner/repo.git) remotes.
func parseRemoteURL(remoteURL string) (owner, name string, err error) {
	trimmed := remoteURL
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
		// strip host
		if j := strings.Index(trimmed, "/"); j >= 0 {
			trimmed = trimmed[j+1:]
		}
	} else if i := strings.Index(trimmed, ":"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	trimmed = strings.TrimSuffix(trimmed, ".git")
	trimmed = strings.Trim(trimmed, "/")

	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/name from remote %q", remoteURL)
	}
	return parts[0], parts[1], nil
}

// GetCurrentBranch returns the checked-out branch name.
func GetCurrentBranch(path string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// BranchExists checks for a local branch.
func BranchExists(path, branch string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = path
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check branch %s: %w", branch, err)
	}
	return true, nil
}

// Client adapts the package functions to the method set the engine
// consumes.
type Client struct{}

func (Client) CommitLog(path, base, head string) ([]string, error) {
	return CommitLog(path, base, head)
}

func (Client) DiffStat(path, base, head string) ([]FileChange, error) {
	return DiffStat(path, base, head)
}

func (Client) PushBranch(path, branch string) error {
	return PushBranch(path, branch)
}

func (Client) CreatePR(path string, args PRArgs) (*PRResult, error) {
	return CreatePR(path, args)
}

// PushBranch pushes the branch to origin, creating the upstream ref.
func PushBranch(path, branch string) error {
	cmd := exec.Command("git", "push", "-u", "origin", branch)
	cmd.Dir = path
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to push branch %s: %w (%s)", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}
