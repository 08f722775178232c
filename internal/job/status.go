package job

import "strings"

// Status is the terminal state of a job run, written into the delivery
// payload.
type Status string

const (
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDelegating Status = "DELEGATING"
	StatusWaiting    Status = "WAITING"
)

// Terminal reports whether the status settles the request for good.
// DELEGATING and WAITING runs are settled on chain too, but the job
// definition stays live through its children.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a raw agent-reported status string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	case StatusDelegating:
		return StatusDelegating, true
	case StatusWaiting:
		return StatusWaiting, true
	}
	return "", false
}
