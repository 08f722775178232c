package venture

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func substitutionDoc() map[string]any {
	return map[string]any{
		"venture": map[string]any{
			"id":         "11111111-1111-1111-1111-111111111111",
			"name":       "newsroom",
			"workstream": "ws-venture",
		},
		"inputs": map[string]any{
			"topic":  "decentralized compute",
			"topics": []any{"chain infra", "agent markets", "storage"},
			"depth":  2.0,
			"strict": true,
			"nested": map[string]any{"audience": "operators"},
		},
	}
}

func TestSubstituteResolvesNestedPaths(t *testing.T) {
	out := Substitute("Write for {{inputs.nested.audience}} about {{inputs.topic}}.", substitutionDoc())
	assert.Equal(t, "Write for operators about decentralized compute.", out)
}

func TestSubstituteJoinsArraysWithNewlines(t *testing.T) {
	out := Substitute("Cover:\n{{inputs.topics}}", substitutionDoc())
	assert.Equal(t, "Cover:\nchain infra\nagent markets\nstorage", out)
}

func TestSubstituteArrayIndex(t *testing.T) {
	out := Substitute("Lead story: {{inputs.topics.1}}", substitutionDoc())
	assert.Equal(t, "Lead story: agent markets", out)
}

func TestSubstituteMissingPathStaysLiteral(t *testing.T) {
	doc := substitutionDoc()
	assert.Equal(t, "{{inputs.absent}}", Substitute("{{inputs.absent}}", doc))
	assert.Equal(t, "{{inputs.topics.9}}", Substitute("{{inputs.topics.9}}", doc))
	assert.Equal(t, "{{inputs.topic.deeper}}", Substitute("{{inputs.topic.deeper}}", doc))
}

func TestSubstituteRendersScalars(t *testing.T) {
	out := Substitute("depth={{inputs.depth}} strict={{inputs.strict}}", substitutionDoc())
	assert.Equal(t, "depth=2 strict=true", out)
}

func TestSubstituteVenturePaths(t *testing.T) {
	out := Substitute("{{venture.name}} ({{venture.workstream}})", substitutionDoc())
	assert.Equal(t, "newsroom (ws-venture)", out)
}

func TestSubstituteToleratesInnerWhitespace(t *testing.T) {
	out := Substitute("Topic: {{ inputs.topic }}", substitutionDoc())
	assert.Equal(t, "Topic: decentralized compute", out)
}

func TestSubstituteLeavesPlainTextAlone(t *testing.T) {
	text := "No placeholders here, just { braces } and {single}."
	assert.Equal(t, text, Substitute(text, substitutionDoc()))
}

func TestSubstituteBlueprintKeepsDocumentWellFormed(t *testing.T) {
	raw := `{"invariants":[{"id":"JOB-1","type":"BOOLEAN","condition":"covers {{inputs.topic}}","assessment":"check coverage"}],"guidance":"Cover:\n{{inputs.topics}}"}`

	out := SubstituteBlueprint(raw, substitutionDoc())

	var bp struct {
		Invariants []struct {
			Condition string `json:"condition"`
		} `json:"invariants"`
		Guidance string `json:"guidance"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &bp))
	require.Len(t, bp.Invariants, 1)
	assert.Equal(t, "covers decentralized compute", bp.Invariants[0].Condition)
	assert.Equal(t, "Cover:\nchain infra\nagent markets\nstorage", bp.Guidance)
}

func TestSubstituteBlueprintFallsBackToRawText(t *testing.T) {
	out := SubstituteBlueprint("Plain prompt about {{inputs.topic}}.", substitutionDoc())
	assert.Equal(t, "Plain prompt about decentralized compute.", out)
}
