package research

import (
	"strings"
)

// robotsRules is the parsed subset of a robots.txt relevant to one agent:
// the allow/disallow path rules of the best-matching user-agent group.
type robotsRules struct {
	allows    []string
	disallows []string
}

// parseRobots extracts the rules applying to userAgent. Groups are matched
// by substring against the agent product token, falling back to the "*"
// group. A missing or empty file allows everything.
func parseRobots(body, userAgent string) robotsRules {
	agent := strings.ToLower(productToken(userAgent))

	type group struct {
		agents []string
		rules  robotsRules
	}
	var groups []*group
	var current *group
	inGroupHeader := false

	for _, line := range strings.Split(body, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if !inGroupHeader {
				current = &group{}
				groups = append(groups, current)
				inGroupHeader = true
			}
			current.agents = append(current.agents, strings.ToLower(value))
		case "allow", "disallow":
			inGroupHeader = false
			if current == nil {
				continue
			}
			if key == "allow" {
				current.rules.allows = append(current.rules.allows, value)
			} else {
				current.rules.disallows = append(current.rules.disallows, value)
			}
		default:
			inGroupHeader = false
		}
	}

	var wildcard *robotsRules
	for _, g := range groups {
		for _, a := range g.agents {
			if a == "*" {
				if wildcard == nil {
					r := g.rules
					wildcard = &r
				}
				continue
			}
			if strings.Contains(agent, a) || strings.Contains(a, agent) {
				return g.rules
			}
		}
	}
	if wildcard != nil {
		return *wildcard
	}
	return robotsRules{}
}

// allowed applies the longest-match rule: the most specific matching
// directive wins, allow beating disallow on ties.
func (r robotsRules) allowed(path string) bool {
	if path == "" {
		path = "/"
	}
	bestAllow, bestDisallow := -1, -1
	for _, p := range r.allows {
		if p != "" && strings.HasPrefix(path, p) && len(p) > bestAllow {
			bestAllow = len(p)
		}
	}
	for _, p := range r.disallows {
		if p != "" && strings.HasPrefix(path, p) && len(p) > bestDisallow {
			bestDisallow = len(p)
		}
	}
	return bestAllow >= bestDisallow
}

// productToken strips the version suffix from a user-agent string.
func productToken(ua string) string {
	if i := strings.IndexByte(ua, '/'); i >= 0 {
		return ua[:i]
	}
	return ua
}
