package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

// statusLineRe matches a status line in plain or markdown-bold form:
// "Status: FAILED", "**Status:** FAILED", "**Status**: FAILED".
var statusLineRe = regexp.MustCompile(
	`(?i)\*{0,2}status\*{0,2}\s*:\s*\*{0,2}\s*(COMPLETED|FAILED|DELEGATING|WAITING)\b`)

// inabilityPhrases are give-up statements that mark a run FAILED even
// without a status line.
var inabilityPhrases = []string{
	"i cannot complete",
	"i am unable to complete",
	"unable to proceed",
	"cannot proceed with",
}

// ExplicitStatus applies the first two status-inference rules: the
// agent-reported final status wins, then a semantic scan of the output.
// ok=false means neither fired and the caller falls through to child-state
// aggregation.
func ExplicitStatus(res *Result) (job.Status, string, bool) {
	if status, ok := job.ParseStatus(res.FinalStatus); ok {
		return status, res.StatusMessage, true
	}
	if status, line, ok := scanStatusLine(res.Output); ok {
		return status, line, true
	}
	if line, ok := inabilityLine(res.Output); ok {
		return job.StatusFailed, line, true
	}
	return "", "", false
}

func scanStatusLine(output string) (job.Status, string, bool) {
	for _, line := range strings.Split(output, "\n") {
		match := statusLineRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		status, _ := job.ParseStatus(match[1])
		return status, strings.TrimSpace(line), true
	}
	return "", "", false
}

func inabilityLine(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		for _, phrase := range inabilityPhrases {
			if strings.Contains(lower, phrase) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}

// DispatchedChildIDs returns the request ids created by successful
// dispatch_new_job calls, in trace order, for child-state aggregation.
func DispatchedChildIDs(res *Result) []string {
	var ids []string
	for _, call := range res.Telemetry.ToolCalls {
		if call.Tool != ToolDispatchNewJob || !call.Success || len(call.Result) == 0 {
			continue
		}
		var payload struct {
			RequestID string `json:"requestId"`
			ID        string `json:"id"`
		}
		if err := json.Unmarshal(call.Result, &payload); err != nil {
			continue
		}
		switch {
		case payload.RequestID != "":
			ids = append(ids, payload.RequestID)
		case payload.ID != "":
			ids = append(ids, payload.ID)
		}
	}
	return ids
}
