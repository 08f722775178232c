package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

func TestReflectExtractsMemories(t *testing.T) {
	runner, spec := scriptedRunner("reflect", time.Minute)
	reflector := NewReflector(runner, time.Minute, testLogger())

	result := &Result{Telemetry: Telemetry{ToolCalls: []ToolCall{
		{Tool: "web_search", Success: false, Error: "rate limited"},
	}}}
	memories := reflector.Reflect(context.Background(), spec, job.StatusCompleted, result)

	require.Len(t, memories, 1)
	assert.Equal(t, "bafyMemo", memories[0].CID)
	assert.Equal(t, "MEMORY", memories[0].Topic)
}

func TestReflectFailureIsNonFatal(t *testing.T) {
	runner := NewRunner(Config{Command: "/nonexistent/agent-binary"}, testLogger())
	reflector := NewReflector(runner, time.Second, testLogger())

	_, spec := scriptedRunner("reflect", time.Minute)
	memories := reflector.Reflect(context.Background(), spec, job.StatusFailed, &Result{})
	assert.Nil(t, memories)
}

func TestReflectionPromptSummarizesTelemetry(t *testing.T) {
	jc := &job.JobContext{RequestID: "0xreq", JobDefinitionID: "def-1", JobName: "Ship It"}
	result := &Result{Telemetry: Telemetry{ToolCalls: []ToolCall{
		{Tool: "push_branch", Success: true, DurationMS: 900},
		{Tool: "web_search", Success: false, Error: "rate limited"},
	}}}

	prompt := reflectionPrompt(jc, job.StatusCompleted, result)
	assert.Contains(t, prompt, "Ship It")
	assert.Contains(t, prompt, "COMPLETED")
	assert.Contains(t, prompt, "2 total, 1 failed")
	assert.Contains(t, prompt, "web_search: rate limited")
}
