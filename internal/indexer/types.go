package indexer

// Artifact topics with worker-side semantics. Other topics pass through
// untouched.
const (
	TopicMeasurement     = "MEASUREMENT"
	TopicMemory          = "MEMORY"
	TopicWorkerTelemetry = "WORKER_TELEMETRY"
)

// Request mirrors the indexer's view of an on-chain marketplace request.
// IDs are 0x-prefixed 32-byte hex strings.
type Request struct {
	ID              string   `json:"id"`
	Requester       string   `json:"requester"`
	Mech            string   `json:"mech"`
	IPFSHash        string   `json:"ipfsHash"`
	WorkstreamID    string   `json:"workstreamId"`
	JobDefinitionID string   `json:"jobDefinitionId"`
	SourceRequestID string   `json:"sourceRequestId"`
	Dependencies    []string `json:"dependencies"`
	Delivered       bool     `json:"delivered"`
	DeliveryData    string   `json:"deliveryData"`
	BlockTimestamp  int64    `json:"blockTimestamp"`
	TxHash          string   `json:"txHash"`
}

// JobDefinition is the durable identity of a job across its runs.
// SourceJobID links a child definition to its parent.
type JobDefinition struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	WorkstreamID string `json:"workstreamId"`
	SourceJobID  string `json:"sourceJobId"`
	BranchName   string `json:"branchName"`
	Cyclic       bool   `json:"cyclic"`
	CreatedAt    int64  `json:"createdAt"`
}

// Artifact is a pointer into the content store, indexed by topic. The
// artifact bytes themselves never pass through the indexer.
type Artifact struct {
	ID           string   `json:"id"`
	CID          string   `json:"cid"`
	Topic        string   `json:"topic"`
	Name         string   `json:"name"`
	ArtifactType string   `json:"artifactType"`
	Tags         []string `json:"tags"`
	RequestID    string   `json:"requestId"`
	WorkstreamID string   `json:"workstreamId"`
	CreatedAt    int64    `json:"createdAt"`
}

// ArtifactInput is the create-artifact side-effect payload.
type ArtifactInput struct {
	CID          string   `json:"cid"`
	Topic        string   `json:"topic"`
	Name         string   `json:"name,omitempty"`
	ArtifactType string   `json:"artifactType,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	RequestID    string   `json:"requestId,omitempty"`
	WorkstreamID string   `json:"workstreamId,omitempty"`
}

// Message is a coordination note attached to a request or job definition,
// surfaced to the agent through the hierarchy context.
type Message struct {
	ID              string `json:"id"`
	RequestID       string `json:"requestId"`
	JobDefinitionID string `json:"jobDefinitionId"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	CreatedAt       int64  `json:"createdAt"`
}

type requestItems struct {
	Items []Request `json:"items"`
}

type jobDefinitionItems struct {
	Items []JobDefinition `json:"items"`
}

type artifactItems struct {
	Items []Artifact `json:"items"`
}

type messageItems struct {
	Items []Message `json:"items"`
}
