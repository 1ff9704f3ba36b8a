package agent

import (
	"regexp"
	"strings"
)

// Delegation is one parsed directive: the callee and its sub-prompt.
type Delegation struct {
	Callee string
	Prompt string
}

var directiveRe = regexp.MustCompile(`^DELEGATE\((\w+)\):\s*(.*)$`)

// parseDelegations splits an agent response into the visible text and the
// delegation directives it carries. A directive is a line of the form
// `DELEGATE(<agent_id>):`, optionally with inline text after the colon,
// followed by the sub-prompt on lines indented by at least two spaces. The
// directive and its block are removed from the visible text.
func parseDelegations(response string) (visible string, dirs []Delegation) {
	lines := strings.Split(response, "\n")
	var kept []string

	for i := 0; i < len(lines); i++ {
		m := directiveRe.FindStringSubmatch(strings.TrimRight(lines[i], " \t"))
		if m == nil {
			kept = append(kept, lines[i])
			continue
		}
		var parts []string
		if m[2] != "" {
			parts = append(parts, m[2])
		}
		for i+1 < len(lines) {
			next := lines[i+1]
			if strings.TrimSpace(next) == "" {
				// Blank lines inside a block are kept only when more
				// indented content follows.
				if i+2 < len(lines) && isIndented(lines[i+2]) {
					parts = append(parts, "")
					i++
					continue
				}
				break
			}
			if !isIndented(next) {
				break
			}
			parts = append(parts, strings.TrimPrefix(next, "  "))
			i++
		}
		prompt := strings.TrimSpace(strings.Join(parts, "\n"))
		if prompt != "" {
			dirs = append(dirs, Delegation{Callee: m[1], Prompt: prompt})
		}
	}

	visible = strings.TrimSpace(strings.Join(kept, "\n"))
	return visible, dirs
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")
}
