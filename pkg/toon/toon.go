// Package toon implements the compact indent-based serialization used for
// LLM payloads and inter-agent call envelopes. Mappings are written as
// "key: value" lines, sequence items as "- item", nesting as two-space
// indentation, and multi-line strings as "|" literal blocks. The format is
// round-trip lossless for strings, 64-bit integers, finite doubles,
// booleans, null, and nested containers, and never used for persistent
// storage.
package toon

import (
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/crewhq/crewd/pkg/fault"
)

const indentUnit = "  "

// Map is an ordered string-keyed mapping. Encoding preserves insertion
// order; decoding reproduces document order.
type Map struct {
	keys []string
	vals map[string]any
}

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return &Map{vals: make(map[string]any)}
}

// Set inserts or replaces a key, preserving first-insertion order.
func (m *Map) Set(key string, value any) *Map {
	if m.vals == nil {
		m.vals = make(map[string]any)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
	return m
}

// Get returns the value for key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string { return append([]string(nil), m.keys...) }

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.keys) }

// Encode serializes a JSON-shaped value into the compact text form.
// Plain map[string]any values are encoded with sorted keys so identical
// inputs always produce identical prompts; use Map to control order.
func Encode(v any) (string, error) {
	e := &encoder{seen: make(map[uintptr]bool)}
	if err := e.encode(v, 0, false); err != nil {
		return "", err
	}
	return strings.TrimSuffix(e.b.String(), "\n"), nil
}

// Decode parses the compact text form back into values: *Map for mappings,
// []any for sequences, and string / int64 / float64 / bool / nil scalars.
func Decode(text string) (any, error) {
	lines := splitLines(text)
	p := &parser{lines: lines}
	v, err := p.parseValue(0)
	if err != nil {
		return nil, err
	}
	p.skipBlanks()
	if p.pos != len(p.lines) {
		return nil, fault.New(fault.BadRequest, "trailing content at line %d", p.pos+1)
	}
	return v, nil
}

type encoder struct {
	b    strings.Builder
	seen map[uintptr]bool
}

func (e *encoder) encode(v any, depth int, inSeq bool) error {
	prefix := strings.Repeat(indentUnit, depth)
	switch val := v.(type) {
	case nil:
		e.writeLine(prefix, inSeq, "null")
	case bool:
		e.writeLine(prefix, inSeq, strconv.FormatBool(val))
	case string:
		return e.encodeString(val, depth, inSeq)
	case int:
		e.writeLine(prefix, inSeq, strconv.FormatInt(int64(val), 10))
	case int32:
		e.writeLine(prefix, inSeq, strconv.FormatInt(int64(val), 10))
	case int64:
		e.writeLine(prefix, inSeq, strconv.FormatInt(val, 10))
	case float32:
		return e.encodeFloat(float64(val), depth, inSeq)
	case float64:
		return e.encodeFloat(val, depth, inSeq)
	case []any:
		return e.encodeSeq(val, depth, inSeq)
	case map[string]any:
		return e.encodeMap(sortedPairs(val), reflect.ValueOf(val).Pointer(), depth, inSeq)
	case *Map:
		pairs := make([]pair, 0, len(val.keys))
		for _, k := range val.keys {
			pairs = append(pairs, pair{k, val.vals[k]})
		}
		return e.encodeMap(pairs, reflect.ValueOf(val).Pointer(), depth, inSeq)
	default:
		return fault.New(fault.BadRequest, "unsupported type %T", v)
	}
	return nil
}

func (e *encoder) encodeFloat(f float64, depth int, inSeq bool) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fault.New(fault.BadRequest, "non-finite float %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Keep floats distinguishable from integers across a round trip.
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	e.writeLine(strings.Repeat(indentUnit, depth), inSeq, s)
	return nil
}

func (e *encoder) encodeString(s string, depth int, inSeq bool) error {
	prefix := strings.Repeat(indentUnit, depth)
	if strings.Contains(s, "\n") {
		// Literal block scalar.
		e.writeLine(prefix, inSeq, "|")
		inner := strings.Repeat(indentUnit, depth+1)
		for _, line := range strings.Split(s, "\n") {
			if line == "" {
				e.b.WriteString("\n")
				continue
			}
			e.b.WriteString(inner + line + "\n")
		}
		return nil
	}
	if plainScalar(s) {
		e.writeLine(prefix, inSeq, s)
	} else {
		e.writeLine(prefix, inSeq, strconv.Quote(s))
	}
	return nil
}

func (e *encoder) encodeSeq(items []any, depth int, inSeq bool) error {
	ptr := reflect.ValueOf(items).Pointer()
	if items != nil {
		if e.seen[ptr] {
			return fault.New(fault.CycleDetected, "sequence participates in a cycle")
		}
		e.seen[ptr] = true
		defer delete(e.seen, ptr)
	}
	prefix := strings.Repeat(indentUnit, depth)
	if len(items) == 0 {
		e.writeLine(prefix, inSeq, "[]")
		return nil
	}
	if inSeq {
		// A container as a sequence item starts on its own dash line.
		e.b.WriteString(prefix + "-\n")
		depth++
		prefix = strings.Repeat(indentUnit, depth)
	}
	for _, item := range items {
		if isContainer(item) {
			if err := e.encode(item, depth, true); err != nil {
				return err
			}
			continue
		}
		e.b.WriteString(prefix + "- ")
		sub := &encoder{seen: e.seen}
		if err := sub.encode(item, depth, false); err != nil {
			return err
		}
		// Scalar encodings are single lines except block strings, which
		// carry their own deeper indentation after the marker line.
		e.b.WriteString(strings.TrimPrefix(sub.b.String(), prefix))
	}
	return nil
}

type pair struct {
	key string
	val any
}

func sortedPairs(m map[string]any) []pair {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, pair{k, m[k]})
	}
	return pairs
}

func (e *encoder) encodeMap(pairs []pair, ptr uintptr, depth int, inSeq bool) error {
	if ptr != 0 {
		if e.seen[ptr] {
			return fault.New(fault.CycleDetected, "mapping participates in a cycle")
		}
		e.seen[ptr] = true
		defer delete(e.seen, ptr)
	}
	prefix := strings.Repeat(indentUnit, depth)
	if len(pairs) == 0 {
		e.writeLine(prefix, inSeq, "{}")
		return nil
	}
	if inSeq {
		e.b.WriteString(prefix + "-\n")
		depth++
		prefix = strings.Repeat(indentUnit, depth)
	}
	for _, p := range pairs {
		key := p.key
		if !plainKey(key) {
			key = strconv.Quote(key)
		}
		if isContainer(p.val) && !isEmptyContainer(p.val) {
			e.b.WriteString(prefix + key + ":\n")
			if err := e.encode(p.val, depth+1, false); err != nil {
				return err
			}
			continue
		}
		e.b.WriteString(prefix + key + ": ")
		sub := &encoder{seen: e.seen}
		if err := sub.encode(p.val, depth, false); err != nil {
			return err
		}
		e.b.WriteString(strings.TrimPrefix(sub.b.String(), prefix))
	}
	return nil
}

func (e *encoder) writeLine(prefix string, inSeq bool, content string) {
	if inSeq {
		e.b.WriteString(prefix + "- " + content + "\n")
		return
	}
	e.b.WriteString(prefix + content + "\n")
}

func isContainer(v any) bool {
	switch v.(type) {
	case []any, map[string]any, *Map:
		return true
	}
	return false
}

func isEmptyContainer(v any) bool {
	switch val := v.(type) {
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case *Map:
		return val.Len() == 0
	}
	return false
}

// plainScalar reports whether a string can be written without quoting and
// still parse back as the same string.
func plainScalar(s string) bool {
	if s == "" || s == "-" || s == "|" || s == "null" || s == "true" || s == "false" || s == "{}" || s == "[]" {
		return false
	}
	if s != strings.TrimSpace(s) {
		return false
	}
	if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "\"") || strings.HasPrefix(s, "#") {
		return false
	}
	if strings.Contains(s, ": ") || strings.HasSuffix(s, ":") {
		return false
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return false
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return false
	}
	return true
}

func plainKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
