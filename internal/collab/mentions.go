package collab

import "regexp"

var (
	mentionRe = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_-]*)`)
	urgentRe  = regexp.MustCompile(`(?i)\b(urgent|asap|blocked|critical)\b`)
)

// ParseMentions extracts @mentions from content, matched case-sensitively
// against the workflow members. The synthetic @all expands to every member
// except the sender. Duplicates collapse, keeping first-appearance order.
func ParseMentions(content, sender string, members []string) []string {
	matches := mentionRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	var out []string
	seen := make(map[string]bool)
	for _, match := range matches {
		name := match[1]
		if name == "all" {
			for _, m := range members {
				if m != sender && !seen[m] {
					seen[m] = true
					out = append(out, m)
				}
			}
			continue
		}
		if memberSet[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Truncate truncates s to max runes (Unicode-safe).
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
