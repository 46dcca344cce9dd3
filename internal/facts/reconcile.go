// Package facts maintains the durable per-user fact context: a single
// newline-delimited bullet list merged into the leading system turn of a
// conversation.
package facts

import "strings"

// Header opens every fact context.
const Header = "[KNOWN FACTS]"

const bulletPrefix = "- "

// Reconcile merges a freshly observed fact into the previously cached
// context. Outcomes, first match wins:
//
//	fact, no previous            -> start a new context
//	fact already an exact bullet -> previous unchanged
//	fact new, a bullet mentions userID -> replace that bullet
//	fact new, no bullet mentions userID -> append a bullet
//	no fact, a bullet mentions userID -> drop those bullets
//	no fact, no previous         -> empty
//
// "Mentions" is a plain substring match of userID inside a bullet line,
// so facts phrased with the id embedded in free text still hit. Exact
// match and substring match are independent checks: a fact can be
// non-identical yet reference the same user.
func Reconcile(userID, fact, previous string) string {
	if fact != "" {
		if previous == "" {
			return Header + "\n" + bulletPrefix + fact
		}

		lines := strings.Split(previous, "\n")
		for _, line := range lines {
			if strings.TrimPrefix(line, bulletPrefix) == fact {
				return previous
			}
		}

		if referencesUser(lines, userID) {
			return replaceUserLine(lines, userID, fact)
		}
		return previous + "\n" + bulletPrefix + fact
	}

	if previous != "" && referencesUser(strings.Split(previous, "\n"), userID) {
		return removeUserLines(previous, userID)
	}
	return previous
}

func referencesUser(lines []string, userID string) bool {
	if userID == "" {
		return false
	}
	for _, line := range lines {
		if isBullet(line) && strings.Contains(line, userID) {
			return true
		}
	}
	return false
}

// replaceUserLine swaps the first bullet mentioning userID for the new
// fact and drops any further bullets about the same user.
func replaceUserLine(lines []string, userID, fact string) string {
	out := make([]string, 0, len(lines))
	replaced := false
	for _, line := range lines {
		if isBullet(line) && strings.Contains(line, userID) {
			if !replaced {
				out = append(out, bulletPrefix+fact)
				replaced = true
			}
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// removeUserLines drops every bullet mentioning userID. When no bullets
// remain the context collapses to empty.
func removeUserLines(previous, userID string) string {
	var out []string
	bullets := 0
	for _, line := range strings.Split(previous, "\n") {
		if isBullet(line) && strings.Contains(line, userID) {
			continue
		}
		if isBullet(line) {
			bullets++
		}
		out = append(out, line)
	}
	if bullets == 0 {
		return ""
	}
	return strings.Join(out, "\n")
}

func isBullet(line string) bool {
	return strings.HasPrefix(line, bulletPrefix)
}
