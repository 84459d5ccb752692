package workflow

import (
	"strings"

	"github.com/google/uuid"
)

const maxSlugLen = 40

// Slug converts a workflow title into a branch-safe fragment: lowercase,
// non-alphanumerics collapsed to single dashes, trimmed.
func Slug(title string) string {
	var sb strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(sb.String(), "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		s = "workflow"
	}
	return s
}

// WorkBranchName derives a unique work branch from a title, e.g.
// "feat/fix-login-a1b2c3d4".
func WorkBranchName(prefix, title string) string {
	if prefix == "" {
		prefix = "feat/"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + Slug(title) + "-" + suffix
}
