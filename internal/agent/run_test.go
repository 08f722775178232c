package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestHelperAgent is not a test: Run invocations re-exec this binary with
// JINN_AGENT_HELPER=1 so it plays the scripted agent on the other side of
// the pipe.
func TestHelperAgent(t *testing.T) {
	if os.Getenv("JINN_AGENT_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("AGENT_SCRIPT") {
	case "happy":
		fmt.Println(`{"output":"examining the workstream"}`)
		fmt.Println(`{"toolCall":{"tool":"create_artifact","success":true,"duration_ms":40,"result":{"cid":"bafyArt","topic":"MEASUREMENT"}}}`)
		fmt.Println(`{"output":"done"}`)
		fmt.Println(`{"jobInstanceStatusUpdate":"COMPLETED","telemetry":{"toolCalls":[{"tool":"create_artifact","success":true,"duration_ms":40,"result":{"cid":"bafyArt","topic":"MEASUREMENT"}}]}}`)
	case "env":
		prompt, _ := io.ReadAll(os.Stdin)
		fmt.Printf("{\"output\":%q}\n", "prompt="+string(prompt))
		for _, name := range []string{
			"JINN_REQUEST_ID", "JINN_BRANCH_NAME", "JINN_AVAILABLE_TOOLS",
			"JINN_ALLOWED_MODELS", "JINN_DEFAULT_MODEL", "PUBLIC_HINT",
		} {
			fmt.Printf("{\"output\":%q}\n", name+"="+os.Getenv(name))
		}
	case "slow":
		fmt.Println(`{"output":"starting"}`)
		time.Sleep(5 * time.Second)
		fmt.Println(`{"jobInstanceStatusUpdate":"COMPLETED"}`)
	case "dirty":
		fmt.Println(`{"output":"partial work"}`)
		fmt.Println(`{"jobInstanceStatusUpdate":"COMPLETED"}`)
		os.Exit(3)
	case "silent":
		os.Exit(2)
	case "garbage":
		fmt.Println(`this is not json`)
		fmt.Println(`{"output":"still readable"}`)
		fmt.Println(`{broken`)
		fmt.Println(`{"jobInstanceStatusUpdate":"COMPLETED"}`)
	case "loop":
		fmt.Println(`{"output":"editing file F again"}`)
		fmt.Println(`{"jobInstanceStatusUpdate":"LOOP_TERMINATED","message":"Repeating edit of file F"}`)
	case "reflect":
		fmt.Println(`{"toolCall":{"tool":"create_artifact","success":true,"duration_ms":5,"result":{"cid":"bafyMemo","topic":"MEMORY","name":"lesson"}}}`)
		fmt.Println(`{"toolCall":{"tool":"create_artifact","success":true,"duration_ms":5,"result":{"cid":"bafyOther","topic":"MEASUREMENT"}}}`)
		fmt.Println(`{"output":"reflected"}`)
	}
}

func scriptedRunner(script string, timeout time.Duration) (*Runner, RunSpec) {
	cfg := Config{
		Command:       os.Args[0],
		Args:          []string{"-test.run=TestHelperAgent$"},
		Timeout:       timeout,
		AllowedModels: []string{"sonnet"},
		DefaultModel:  "sonnet",
	}
	spec := RunSpec{
		RunID:  "run-1",
		Prompt: "do the thing",
		Job: &job.JobContext{
			RequestID:       "0xreq",
			Mech:            "0xmech",
			JobDefinitionID: "def-1",
			JobName:         "Test Job",
			WorkstreamID:    "ws-1",
			BranchName:      "job/def-1-test-job",
			BaseBranch:      "main",
			RequiredTools:   []string{"create_artifact"},
			AvailableTools:  []string{"create_artifact"},
			Environment:     map[string]string{"PUBLIC_HINT": "42"},
			Model:           "sonnet",
		},
		Extra: map[string]string{
			"JINN_AGENT_HELPER": "1",
			"AGENT_SCRIPT":      script,
		},
	}
	return NewRunner(cfg, testLogger()), spec
}

func TestRunHappyPath(t *testing.T) {
	runner, spec := scriptedRunner("happy", time.Minute)

	res, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, "examining the workstream\ndone", res.Output)
	assert.Equal(t, "COMPLETED", res.FinalStatus)
	require.Len(t, res.Telemetry.ToolCalls, 1)
	assert.Equal(t, "create_artifact", res.Telemetry.ToolCalls[0].Tool)
	_, looped := res.LoopTerminated()
	assert.False(t, looped)
}

func TestRunEnvironmentContract(t *testing.T) {
	runner, spec := scriptedRunner("env", time.Minute)

	res, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Contains(t, res.Output, "prompt=do the thing")
	assert.Contains(t, res.Output, "JINN_REQUEST_ID=0xreq")
	assert.Contains(t, res.Output, "JINN_BRANCH_NAME=job/def-1-test-job")
	assert.Contains(t, res.Output, `JINN_AVAILABLE_TOOLS=["create_artifact"]`)
	assert.Contains(t, res.Output, `JINN_ALLOWED_MODELS=["sonnet"]`)
	assert.Contains(t, res.Output, "JINN_DEFAULT_MODEL=sonnet")
	// Public job environment reaches the agent too.
	assert.Contains(t, res.Output, "PUBLIC_HINT=42")
}

func TestRunTimeout(t *testing.T) {
	runner, spec := scriptedRunner("slow", 200*time.Millisecond)

	started := time.Now()
	res, err := runner.Run(context.Background(), spec)
	require.Error(t, err)

	assert.Equal(t, faults.CodeAgentTimeout, faults.CodeOf(err))
	assert.True(t, faults.Terminal(faults.CodeOf(err)))
	assert.Less(t, time.Since(started), 3*time.Second)
	// Whatever arrived before the deadline is preserved.
	require.NotNil(t, res)
	assert.Equal(t, "starting", res.Output)
}

func TestRunDirtyExitKeepsResult(t *testing.T) {
	runner, spec := scriptedRunner("dirty", time.Minute)

	res, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", res.FinalStatus)
	assert.Equal(t, "partial work", res.Output)
}

func TestRunSilentFailure(t *testing.T) {
	runner, spec := scriptedRunner("silent", time.Minute)

	res, err := runner.Run(context.Background(), spec)
	require.Error(t, err)
	assert.NotEqual(t, faults.CodeAgentTimeout, faults.CodeOf(err))
	assert.Empty(t, res.Output)
}

func TestRunSkipsGarbageLines(t *testing.T) {
	runner, spec := scriptedRunner("garbage", time.Minute)

	res, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "still readable", res.Output)
	assert.Equal(t, "COMPLETED", res.FinalStatus)
}

func TestRunLoopTerminated(t *testing.T) {
	runner, spec := scriptedRunner("loop", time.Minute)

	res, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	message, looped := res.LoopTerminated()
	require.True(t, looped)
	assert.Equal(t, "Repeating edit of file F", message)
}

func TestRunHonorsCancellation(t *testing.T) {
	runner, spec := scriptedRunner("slow", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, err := runner.Run(ctx, spec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(started), 3*time.Second)
}
