package venture

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {{path}} placeholders; the path is a dot-joined
// traversal expression, e.g. {{inputs.topics.0}} or {{venture.name}}.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}\s][^{}]*?)\s*\}\}`)

// Substitute resolves every {{path}} placeholder in text against doc.
// Arrays render joined with newlines; a path that resolves nowhere
// leaves the placeholder literal, so a half-filled template stays
// visibly half-filled instead of silently losing sections.
func Substitute(text string, doc map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		expr := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		value, ok := lookupPath(doc, strings.Split(expr, "."))
		if !ok {
			return match
		}
		return renderValue(value)
	})
}

// SubstituteBlueprint applies Substitute to every string value of a JSON
// blueprint document, so a multi-line substitution lands as an escaped
// JSON string instead of corrupting the document. Templates that are not
// JSON (legacy plain prompts) are substituted as raw text.
func SubstituteBlueprint(raw string, doc map[string]any) string {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Substitute(raw, doc)
	}
	encoded, err := json.Marshal(substituteNode(decoded, doc))
	if err != nil {
		return Substitute(raw, doc)
	}
	return string(encoded)
}

func substituteNode(node any, doc map[string]any) any {
	switch v := node.(type) {
	case string:
		return Substitute(v, doc)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = substituteNode(child, doc)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = substituteNode(child, doc)
		}
		return out
	default:
		return node
	}
}

// lookupPath walks doc one segment at a time: map keys by name, array
// elements by decimal index.
func lookupPath(node any, path []string) (any, bool) {
	if len(path) == 0 {
		return node, true
	}
	head, rest := path[0], path[1:]
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[head]
		if !ok {
			return nil, false
		}
		return lookupPath(child, rest)
	case []any:
		i, err := strconv.Atoi(head)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return lookupPath(v[i], rest)
	case []string:
		i, err := strconv.Atoi(head)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return lookupPath(v[i], rest)
	default:
		return nil, false
	}
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = renderValue(item)
		}
		return strings.Join(parts, "\n")
	case []string:
		return strings.Join(v, "\n")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
