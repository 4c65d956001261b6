package services

import (
	"regexp"
	"strings"
)

// titlePattern matches the auto-title tag an engine can emit anywhere in
// its output: <bitk><title>New title</title></bitk>.
var titlePattern = regexp.MustCompile(`<bitk><title>(.*?)</title></bitk>`)

const maxTitleLength = 200

// extractTitle looks for the auto-title tag in content and returns the
// trimmed, length-capped title, or "" if no tag is present or the
// captured text is empty after trimming.
func extractTitle(content string) string {
	match := titlePattern.FindStringSubmatch(content)
	if match == nil {
		return ""
	}

	title := strings.TrimSpace(match[1])
	if title == "" {
		return ""
	}
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	return title
}
