package mail

import (
	"regexp"
	"strings"
)

// attributionPatterns match the line a mail client inserts above quoted
// history. Matching is case-insensitive.
var attributionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*on\s.*wrote:\s*$`),
	regexp.MustCompile(`(?i)^\s*le\s.*a\s+écrit\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*am\s.*schrieb.*:\s*$`),
	regexp.MustCompile(`(?i)^\s*el\s.*escribió\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*il\s.*scritto\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*op\s.*schreef.*:\s*$`),
}

var forwardedPattern = regexp.MustCompile(`(?i)^\s*-{3,}\s*forwarded message\s*-{3,}\s*$`)

func matchesAttribution(s string) bool {
	for _, re := range attributionPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// attributionAt returns how many lines the attribution marker starting at
// lines[i] spans: 0 when there is none, 2 when a client wrapped
// "On <date>, <sender>" and "wrote:" onto separate lines.
func attributionAt(lines []string, i int) int {
	line := lines[i]
	if forwardedPattern.MatchString(line) || matchesAttribution(line) {
		return 1
	}
	if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
		joined := strings.TrimRight(line, " \t") + " " + strings.TrimLeft(lines[i+1], " \t")
		if matchesAttribution(joined) {
			return 2
		}
	}
	return 0
}

func isQuoted(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), ">")
}

// StripQuotes returns the newest reply in body, without quoted history. When
// nothing unquoted remains it returns the trimmed snippet.
func StripQuotes(body, snippet string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	// marker[i] is true for lines that belong to an attribution marker.
	marker := make([]bool, len(lines))
	first := -1
	for i := 0; i < len(lines); {
		n := attributionAt(lines, i)
		if n == 0 {
			i++
			continue
		}
		if first < 0 {
			first = i
		}
		for j := i; j < i+n; j++ {
			marker[j] = true
		}
		i += n
	}

	if first >= 0 {
		if candidate := strings.TrimSpace(strings.Join(lines[:first], "\n")); candidate != "" {
			return candidate
		}
	}

	drop := func(i int) bool {
		return marker[i] || isQuoted(lines[i])
	}

	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" || drop(i) {
			continue
		}
		last = i
		break
	}

	if last >= 0 {
		kept := make([]string, 0, last+1)
		for i := 0; i <= last; i++ {
			if !drop(i) {
				kept = append(kept, lines[i])
			}
		}
		if reply := strings.TrimSpace(strings.Join(kept, "\n")); reply != "" {
			return reply
		}
	}

	return strings.TrimSpace(snippet)
}
