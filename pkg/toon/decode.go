package toon

import (
	"strconv"
	"strings"

	"github.com/crewhq/crewd/pkg/fault"
)

type line struct {
	indent int    // nesting level (two spaces per level)
	text   string // content with indentation stripped
	raw    string // original line, used by block scalars
	blank  bool
}

func splitLines(text string) []line {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	rawLines := strings.Split(text, "\n")
	lines := make([]line, 0, len(rawLines))
	for _, raw := range rawLines {
		if strings.TrimSpace(raw) == "" {
			lines = append(lines, line{blank: true, raw: raw})
			continue
		}
		spaces := len(raw) - len(strings.TrimLeft(raw, " "))
		lines = append(lines, line{
			indent: spaces / len(indentUnit),
			text:   raw[spaces:],
			raw:    raw,
		})
	}
	return lines
}

type parser struct {
	lines []line
	pos   int
}

func (p *parser) peek() (line, bool) {
	for i := p.pos; i < len(p.lines); i++ {
		if !p.lines[i].blank {
			return p.lines[i], true
		}
	}
	return line{}, false
}

// parseValue parses the value rooted at the given indent level.
func (p *parser) parseValue(indent int) (any, error) {
	ln, ok := p.peek()
	if !ok {
		return nil, fault.New(fault.BadRequest, "empty document")
	}
	if ln.indent != indent {
		return nil, fault.New(fault.BadRequest, "unexpected indentation at %q", ln.text)
	}
	if strings.HasPrefix(ln.text, "- ") || ln.text == "-" {
		return p.parseSeq(indent)
	}
	if ln.text == "|" {
		p.skipBlanks()
		p.pos++
		return p.parseBlockString(indent), nil
	}
	if key, _, isMapping := splitKeyLine(ln.text); isMapping && key != "" {
		return p.parseMap(indent)
	}
	// Single scalar document.
	p.skipBlanks()
	p.pos++
	return parseScalar(ln.text)
}

func (p *parser) parseSeq(indent int) (any, error) {
	items := []any{}
	for {
		ln, ok := p.peek()
		if !ok || ln.indent < indent {
			return items, nil
		}
		if ln.indent > indent {
			return nil, fault.New(fault.BadRequest, "unexpected indentation in sequence at %q", ln.text)
		}
		if ln.text == "-" {
			p.skipBlanks()
			p.pos++
			child, err := p.parseValue(indent + 1)
			if err != nil {
				return nil, err
			}
			items = append(items, child)
			continue
		}
		if !strings.HasPrefix(ln.text, "- ") {
			// A non-item line at this level ends the sequence.
			return items, nil
		}
		rest := ln.text[2:]
		p.skipBlanks()
		p.pos++
		if rest == "|" {
			items = append(items, p.parseBlockString(indent))
			continue
		}
		v, err := parseScalar(rest)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
}

func (p *parser) parseMap(indent int) (any, error) {
	m := NewMap()
	for {
		ln, ok := p.peek()
		if !ok || ln.indent < indent {
			return m, nil
		}
		if ln.indent > indent {
			return nil, fault.New(fault.BadRequest, "unexpected indentation in mapping at %q", ln.text)
		}
		if strings.HasPrefix(ln.text, "- ") || ln.text == "-" {
			return m, nil
		}
		key, rest, isMapping := splitKeyLine(ln.text)
		if !isMapping {
			return nil, fault.New(fault.BadRequest, "expected key line, got %q", ln.text)
		}
		p.skipBlanks()
		p.pos++
		switch {
		case rest == "":
			child, err := p.parseValue(indent + 1)
			if err != nil {
				return nil, err
			}
			m.Set(key, child)
		case rest == "|":
			m.Set(key, p.parseBlockString(indent))
		default:
			v, err := parseScalar(rest)
			if err != nil {
				return nil, err
			}
			m.Set(key, v)
		}
	}
}

// parseBlockString consumes the literal block following a "|" marker that
// appeared at the given indent. Content lines are one level deeper; blank
// lines inside the block become empty string segments.
func (p *parser) parseBlockString(indent int) string {
	prefix := strings.Repeat(indentUnit, indent+1)
	var parts []string
	for p.pos < len(p.lines) {
		ln := p.lines[p.pos]
		if ln.blank {
			parts = append(parts, "")
			p.pos++
			continue
		}
		if ln.indent <= indent {
			break
		}
		parts = append(parts, strings.TrimPrefix(ln.raw, prefix))
		p.pos++
	}
	// Blank lines after the last content line belong to the string only up
	// to the block's end; trailing document blanks were already dropped.
	return strings.Join(parts, "\n")
}

// skipBlanks advances the cursor past blank lines.
func (p *parser) skipBlanks() {
	for p.pos < len(p.lines) && p.lines[p.pos].blank {
		p.pos++
	}
}

// splitKeyLine splits "key: value" or "key:" lines. Quoted keys are
// unquoted.
func splitKeyLine(text string) (key, rest string, ok bool) {
	if strings.HasPrefix(text, "\"") {
		end := findClosingQuote(text)
		if end < 0 {
			return "", "", false
		}
		unquoted, err := strconv.Unquote(text[:end+1])
		if err != nil {
			return "", "", false
		}
		after := text[end+1:]
		if after == ":" {
			return unquoted, "", true
		}
		if strings.HasPrefix(after, ": ") {
			return unquoted, after[2:], true
		}
		return "", "", false
	}
	if idx := strings.Index(text, ": "); idx > 0 {
		return text[:idx], text[idx+2:], true
	}
	if strings.HasSuffix(text, ":") {
		return text[:len(text)-1], "", true
	}
	return "", "", false
}

func findClosingQuote(text string) int {
	for i := 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func parseScalar(token string) (any, error) {
	switch token {
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "{}":
		return NewMap(), nil
	case "[]":
		return []any{}, nil
	}
	if strings.HasPrefix(token, "\"") {
		s, err := strconv.Unquote(token)
		if err != nil {
			return nil, fault.New(fault.BadRequest, "malformed quoted string %q", token)
		}
		return s, nil
	}
	if n, err := strconv.ParseInt(token, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, nil
	}
	return token, nil
}
