package agent

import "encoding/json"

// ArtifactRef is an artifact pointer discovered in agent output.
type ArtifactRef struct {
	CID   string   `json:"cid"`
	Topic string   `json:"topic"`
	Name  string   `json:"name,omitempty"`
	Type  string   `json:"type,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// ExtractArtifacts discovers artifacts through both channels: structured
// tool-call results first, then a balanced-brace scan of the raw output
// for artifact-shaped JSON (including objects nested inside response
// envelopes). Duplicates collapse on (cid, topic), first mention wins.
func ExtractArtifacts(res *Result) []ArtifactRef {
	var refs []ArtifactRef
	for _, call := range res.Telemetry.ToolCalls {
		if !call.Success || len(call.Result) == 0 {
			continue
		}
		var decoded any
		if err := json.Unmarshal(call.Result, &decoded); err != nil {
			continue
		}
		collectRefs(decoded, &refs)
	}
	for _, raw := range scanJSONObjects(res.Output) {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		collectRefs(decoded, &refs)
	}

	seen := make(map[string]struct{}, len(refs))
	deduped := refs[:0]
	for _, ref := range refs {
		key := ref.CID + "\x00" + ref.Topic
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, ref)
	}
	return deduped
}

// collectRefs walks a decoded JSON value and gathers every object carrying
// cid + topic. A matching object is taken whole; its children are not
// searched again.
func collectRefs(v any, out *[]ArtifactRef) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := refFromMap(t); ok {
			*out = append(*out, ref)
			return
		}
		for _, child := range t {
			collectRefs(child, out)
		}
	case []any:
		for _, child := range t {
			collectRefs(child, out)
		}
	}
}

func refFromMap(m map[string]any) (ArtifactRef, bool) {
	cid, _ := m["cid"].(string)
	topic, _ := m["topic"].(string)
	if cid == "" || topic == "" {
		return ArtifactRef{}, false
	}
	ref := ArtifactRef{CID: cid, Topic: topic}
	ref.Name, _ = m["name"].(string)
	if s, ok := m["type"].(string); ok {
		ref.Type = s
	} else if s, ok := m["artifactType"].(string); ok {
		ref.Type = s
	}
	if tags, ok := m["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				ref.Tags = append(ref.Tags, s)
			}
		}
	}
	return ref, true
}

// scanJSONObjects finds balanced top-level {...} spans that parse as JSON.
// Invalid spans are skipped one byte past the opening brace so objects
// inside prose are still found.
func scanJSONObjects(s string) []json.RawMessage {
	var out []json.RawMessage
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end, ok := matchBrace(s, i)
		if !ok {
			continue
		}
		candidate := s[i : end+1]
		if json.Valid([]byte(candidate)) {
			out = append(out, json.RawMessage(candidate))
			i = end
		}
	}
	return out
}

// matchBrace returns the index of the brace closing s[start], honoring
// string literals and escapes.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
