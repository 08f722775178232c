package job

// Measurement is an emitted observation for one invariant. Boolean
// conditions measure 1 (holds) or 0.
type Measurement struct {
	InvariantID   string        `json:"invariantId"`
	InvariantType InvariantType `json:"invariantType,omitempty"`
	Value         float64       `json:"value"`
	Passed        bool          `json:"passed"`
	Context       string        `json:"context,omitempty"`
	Timestamp     int64         `json:"timestamp"`
}

// FoldMeasurements reduces a measurement history to one entry per
// invariant id, newest timestamp winning.
func FoldMeasurements(measurements []Measurement) map[string]Measurement {
	folded := make(map[string]Measurement)
	for _, m := range measurements {
		if m.InvariantID == "" {
			continue
		}
		prev, ok := folded[m.InvariantID]
		if !ok || m.Timestamp > prev.Timestamp {
			folded[m.InvariantID] = m
		}
	}
	return folded
}
