package converter

import (
	"strings"
	"unicode"
)

// Skill content is injected into the conversation as a user message. It is
// recognized by its framing rather than an explicit marker, so these checks
// mirror how runtimes assemble that injection.
const skillBaseDirPrefix = "Base directory for this skill:"

// isSkillInjection reports whether a user message carries injected skill
// content instead of an actual user prompt.
func isSkillInjection(content string) bool {
	if strings.HasPrefix(content, skillBaseDirPrefix) {
		return true
	}
	if strings.Contains(content, "read_skill_file with skill=") {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") && strings.Contains(trimmed, "Skill") {
			return true
		}
	}
	return false
}

// skillName extracts a stable name for a skill injection. The path segment
// after "skills/" wins; otherwise the first markdown header is dashed and
// lowercased; otherwise "unknown".
func skillName(content string) string {
	if idx := strings.Index(content, "skills/"); idx >= 0 {
		rest := content[idx+len("skills/"):]
		end := strings.IndexFunc(rest, func(r rune) bool {
			return r == '/' || r == '\n' || r == '"' || r == '\'' || unicode.IsSpace(r)
		})
		if end == -1 {
			end = len(rest)
		}
		if seg := strings.TrimSpace(rest[:end]); seg != "" {
			return seg
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "# ") {
			continue
		}
		header := strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		if header == "" {
			continue
		}
		return dashedLower(header)
	}

	return "unknown"
}

// dashedLower converts "PDF Processing Skill" to "pdf-processing-skill".
func dashedLower(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
