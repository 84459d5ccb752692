package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FileChange is one per-file diff stat between two refs.
type FileChange struct {
	Path      string
	Additions int
	Deletions int
}

// CommitLog returns short SHAs on head but not base, newest first. A head
// branch that does not exist yields an empty list rather than an error.
func CommitLog(path, base, head string) ([]string, error) {
	exists, err := BranchExists(path, head)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []string{}, nil
	}

	cmd := exec.Command("git", "log", "--format=%h", base+".."+head)
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get commit log %s..%s: %w (%s)", base, head, err, strings.TrimSpace(string(out)))
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// DiffStat returns per-file additions and deletions between two refs.
// Binary files report as 0/0.
func DiffStat(path, base, head string) ([]FileChange, error) {
	cmd := exec.Command("git", "diff", "--numstat", base+".."+head)
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get diff stat %s..%s: %w (%s)", base, head, err, strings.TrimSpace(string(out)))
	}

	var changes []FileChange
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		// numstat prints "-" for binary files
		additions, _ := strconv.Atoi(fields[0])
		deletions, _ := strconv.Atoi(fields[1])
		changes = append(changes, FileChange{
			Path:      fields[2],
			Additions: additions,
			Deletions: deletions,
		})
	}
	return changes, nil
}
