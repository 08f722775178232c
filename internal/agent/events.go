// Package agent runs the black-box agent subprocess and interprets its
// framed output stream: one JSON object per line, interleaving output
// chunks, tool-call trace entries, status updates and a final telemetry
// record. The parser is incremental so a crashed or killed agent still
// yields everything it emitted.
package agent

import "encoding/json"

// Tool names with pipeline-visible semantics. Everything else is opaque
// to the worker.
const (
	ToolCreateArtifact    = "create_artifact"
	ToolDispatchNewJob    = "dispatch_new_job"
	ToolCreatePullRequest = "create_pull_request"
)

// ToolCall is one entry of the agent's tool-call trace.
type ToolCall struct {
	Tool       string          `json:"tool"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Telemetry is the agent's self-reported run summary.
type Telemetry struct {
	ToolCalls []ToolCall `json:"toolCalls"`
}

// Event is one line of the agent stream. All fields are optional; an
// event usually carries exactly one of them.
type Event struct {
	Output                  string          `json:"output,omitempty"`
	StructuredSummary       json.RawMessage `json:"structuredSummary,omitempty"`
	JobInstanceStatusUpdate string          `json:"jobInstanceStatusUpdate,omitempty"`
	Message                 string          `json:"message,omitempty"`
	ToolCall                *ToolCall       `json:"toolCall,omitempty"`
	Telemetry               *Telemetry      `json:"telemetry,omitempty"`
}

// statusLoopTerminated is the agent's loop-protection verdict. It is not
// a job status: the pipeline translates it into a LOOP_TERMINATED fault.
const statusLoopTerminated = "LOOP_TERMINATED"

// Result is the folded agent stream.
type Result struct {
	Output            string
	StructuredSummary json.RawMessage
	// FinalStatus is the last agent-reported status update, verbatim.
	FinalStatus   string
	StatusMessage string
	Telemetry     Telemetry

	streamCalls []ToolCall
}

func (r *Result) apply(e Event) {
	if e.Output != "" {
		if r.Output != "" {
			r.Output += "\n"
		}
		r.Output += e.Output
	}
	if len(e.StructuredSummary) > 0 {
		r.StructuredSummary = e.StructuredSummary
	}
	if e.JobInstanceStatusUpdate != "" {
		r.FinalStatus = e.JobInstanceStatusUpdate
		if e.Message != "" {
			r.StatusMessage = e.Message
		}
	}
	if e.ToolCall != nil {
		r.streamCalls = append(r.streamCalls, *e.ToolCall)
	}
	if e.Telemetry != nil {
		// A final telemetry record is authoritative over the
		// incremental trace.
		r.Telemetry = *e.Telemetry
	}
}

// finish falls back to the incremental trace when the agent never sent a
// telemetry record (killed, crashed, or old agent build).
func (r *Result) finish() {
	if len(r.Telemetry.ToolCalls) == 0 && len(r.streamCalls) > 0 {
		r.Telemetry.ToolCalls = r.streamCalls
	}
}

// LoopTerminated reports whether the agent's loop protection ended the
// run, with the terminating cause.
func (r *Result) LoopTerminated() (string, bool) {
	if r.FinalStatus != statusLoopTerminated {
		return "", false
	}
	message := r.StatusMessage
	if message == "" {
		message = "agent loop protection triggered"
	}
	return message, true
}

// FailedToolCalls returns the trace entries that errored.
func (r *Result) FailedToolCalls() []ToolCall {
	var failed []ToolCall
	for _, call := range r.Telemetry.ToolCalls {
		if !call.Success {
			failed = append(failed, call)
		}
	}
	return failed
}
