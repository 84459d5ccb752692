package spawn

import (
	"regexp"
	"strconv"
)

// TokenUsage is input and output token counts for one session.
type TokenUsage struct {
	Input  int
	Output int
}

var (
	// Agent CLIs commonly report tokens in one of these trailing formats.
	tokenRe  = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)

	toolCallRe = regexp.MustCompile(`(?m)^Tool calls: (\d+)$`)
)

// ExtractTokenUsage parses token counts from session output, falling back
// to a length-based estimate when the CLI did not report them.
func ExtractTokenUsage(output, prompt string) TokenUsage {
	usage := TokenUsage{}

	if m := tokenRe.FindStringSubmatch(output); len(m) == 3 {
		usage.Input, _ = strconv.Atoi(m[1])
		usage.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Output, _ = strconv.Atoi(m[1])
		}
	}

	if usage.Input == 0 {
		usage.Input = estimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = estimateTokens(output)
	}
	return usage
}

// estimateTokens roughly maps text length to tokens (about 4 chars each).
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// CountToolCalls reads the CLI's reported tool-call count, 0 when absent.
func CountToolCalls(output string) int {
	if m := toolCallRe.FindStringSubmatch(output); len(m) == 2 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}
