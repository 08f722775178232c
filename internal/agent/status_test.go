package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

func TestExplicitStatusReportedBeatsScan(t *testing.T) {
	res := &Result{
		FinalStatus:   "DELEGATING",
		StatusMessage: "spawned three children",
		Output:        "some text\nStatus: COMPLETED\n",
	}

	status, message, ok := ExplicitStatus(res)
	require.True(t, ok)
	assert.Equal(t, job.StatusDelegating, status)
	assert.Equal(t, "spawned three children", message)
}

func TestExplicitStatusScanBeatsHeuristics(t *testing.T) {
	// A markdown status line wins even when child aggregation would say
	// otherwise: the caller must never reach aggregation when ok=true.
	res := &Result{Output: "tried everything\n**Status:** FAILED\n"}

	status, message, ok := ExplicitStatus(res)
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, status)
	assert.Contains(t, message, "FAILED")
}

func TestScanStatusLineForms(t *testing.T) {
	cases := map[string]job.Status{
		"Status: COMPLETED":        job.StatusCompleted,
		"**Status:** FAILED":       job.StatusFailed,
		"**Status**: DELEGATING":   job.StatusDelegating,
		"status: waiting":          job.StatusWaiting,
		"  Final line\nStatus: COMPLETED": job.StatusCompleted,
	}
	for output, want := range cases {
		status, _, ok := ExplicitStatus(&Result{Output: output})
		require.True(t, ok, "output %q", output)
		assert.Equal(t, want, status, "output %q", output)
	}
}

func TestInabilityStatementFails(t *testing.T) {
	res := &Result{Output: "The repository is gone.\nI cannot complete this job without it.\n"}

	status, message, ok := ExplicitStatus(res)
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, status)
	assert.Contains(t, message, "I cannot complete")
}

func TestExplicitStatusNoSignal(t *testing.T) {
	_, _, ok := ExplicitStatus(&Result{Output: "did some work, wrote some files"})
	assert.False(t, ok)
}

func TestDispatchedChildIDs(t *testing.T) {
	res := &Result{Telemetry: Telemetry{ToolCalls: []ToolCall{
		{Tool: "dispatch_new_job", Success: true, Result: json.RawMessage(`{"requestId":"0xc1"}`)},
		{Tool: "dispatch_new_job", Success: true, Result: json.RawMessage(`{"id":"0xc2"}`)},
		{Tool: "dispatch_new_job", Success: false, Result: json.RawMessage(`{"requestId":"0xc3"}`)},
		{Tool: "create_artifact", Success: true, Result: json.RawMessage(`{"cid":"bafy","topic":"T"}`)},
	}}}

	assert.Equal(t, []string{"0xc1", "0xc2"}, DispatchedChildIDs(res))
}
