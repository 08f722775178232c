package indexer

import (
	"context"
)

const requestFields = `
      id
      requester
      mech
      ipfsHash
      workstreamId
      jobDefinitionId
      sourceRequestId
      dependencies
      delivered
      deliveryData
      blockTimestamp
      txHash`

const jobDefinitionFields = `
      id
      name
      workstreamId
      sourceJobId
      branchName
      cyclic
      createdAt`

const artifactFields = `
      id
      cid
      topic
      name
      artifactType
      tags
      requestId
      workstreamId
      createdAt`

const messageFields = `
      id
      requestId
      jobDefinitionId
      role
      content
      createdAt`

// UnclaimedRequests returns undelivered requests addressed to any of the
// given mechs, oldest first. This is the claim loop's work feed.
func (c *Client) UnclaimedRequests(ctx context.Context, mechs []string, limit int) ([]Request, error) {
	document := `
query UnclaimedRequests($mechs: [String], $limit: Int) {
  requests(where: {delivered: false, mech_in: $mechs}, orderBy: "blockTimestamp", orderDirection: "asc", limit: $limit) {
    items {` + requestFields + `
    }
  }
}`
	var out struct {
		Requests requestItems `json:"requests"`
	}
	err := c.query(ctx, "requests", document, map[string]interface{}{
		"mechs": mechs,
		"limit": limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Requests.Items, nil
}

// RequestByID fetches a single request. Absence is reported with ok=false,
// not an error.
func (c *Client) RequestByID(ctx context.Context, id string) (*Request, bool, error) {
	document := `
query RequestByID($id: String) {
  requests(where: {id: $id}, limit: 1) {
    items {` + requestFields + `
    }
  }
}`
	var out struct {
		Requests requestItems `json:"requests"`
	}
	err := c.query(ctx, "requests", document, map[string]interface{}{"id": id}, &out)
	if err != nil {
		return nil, false, err
	}
	if len(out.Requests.Items) == 0 {
		return nil, false, nil
	}
	return &out.Requests.Items[0], true, nil
}

// RequestsByIDs fetches a batch of requests by id. Used by the dependency
// gate; missing ids are simply absent from the result.
func (c *Client) RequestsByIDs(ctx context.Context, ids []string) ([]Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	document := `
query RequestsByIDs($ids: [String], $limit: Int) {
  requests(where: {id_in: $ids}, limit: $limit) {
    items {` + requestFields + `
    }
  }
}`
	var out struct {
		Requests requestItems `json:"requests"`
	}
	err := c.query(ctx, "requests", document, map[string]interface{}{
		"ids":   ids,
		"limit": len(ids),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Requests.Items, nil
}

// RequestsByJobDefinition returns the runs of a job definition, newest
// first.
func (c *Client) RequestsByJobDefinition(ctx context.Context, jobDefinitionID string, limit int) ([]Request, error) {
	document := `
query RequestsByJobDefinition($jobDefinitionId: String, $limit: Int) {
  requests(where: {jobDefinitionId: $jobDefinitionId}, orderBy: "blockTimestamp", orderDirection: "desc", limit: $limit) {
    items {` + requestFields + `
    }
  }
}`
	var out struct {
		Requests requestItems `json:"requests"`
	}
	err := c.query(ctx, "requests", document, map[string]interface{}{
		"jobDefinitionId": jobDefinitionID,
		"limit":           limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Requests.Items, nil
}

// PendingChildren returns undelivered requests dispatched by the given
// parent request. A non-empty result means the parent is still waiting.
func (c *Client) PendingChildren(ctx context.Context, parentRequestID string) ([]Request, error) {
	document := `
query PendingChildren($parent: String, $limit: Int) {
  requests(where: {sourceRequestId: $parent, delivered: false}, limit: $limit) {
    items {` + requestFields + `
    }
  }
}`
	var out struct {
		Requests requestItems `json:"requests"`
	}
	err := c.query(ctx, "requests", document, map[string]interface{}{
		"parent": parentRequestID,
		"limit":  100,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Requests.Items, nil
}

// JobDefinitionByID fetches a single job definition; ok=false when absent.
func (c *Client) JobDefinitionByID(ctx context.Context, id string) (*JobDefinition, bool, error) {
	document := `
query JobDefinitionByID($id: String) {
  jobDefinitions(where: {id: $id}, limit: 1) {
    items {` + jobDefinitionFields + `
    }
  }
}`
	var out struct {
		JobDefinitions jobDefinitionItems `json:"jobDefinitions"`
	}
	err := c.query(ctx, "jobDefinitions", document, map[string]interface{}{"id": id}, &out)
	if err != nil {
		return nil, false, err
	}
	if len(out.JobDefinitions.Items) == 0 {
		return nil, false, nil
	}
	return &out.JobDefinitions.Items[0], true, nil
}

// ChildJobDefinitions returns definitions whose source is the given
// parent definition, oldest first.
func (c *Client) ChildJobDefinitions(ctx context.Context, parentJobID string, limit int) ([]JobDefinition, error) {
	document := `
query ChildJobDefinitions($parent: String, $limit: Int) {
  jobDefinitions(where: {sourceJobId: $parent}, orderBy: "createdAt", orderDirection: "asc", limit: $limit) {
    items {` + jobDefinitionFields + `
    }
  }
}`
	var out struct {
		JobDefinitions jobDefinitionItems `json:"jobDefinitions"`
	}
	err := c.query(ctx, "jobDefinitions", document, map[string]interface{}{
		"parent": parentJobID,
		"limit":  limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.JobDefinitions.Items, nil
}

// MeasurementArtifacts returns MEASUREMENT artifact pointers for a
// workstream, newest first, so callers can fold them keyed by invariant id
// with newest winning.
func (c *Client) MeasurementArtifacts(ctx context.Context, workstreamID string, limit int) ([]Artifact, error) {
	document := `
query MeasurementArtifacts($workstreamId: String, $topic: String, $limit: Int) {
  artifacts(where: {workstreamId: $workstreamId, topic: $topic}, orderBy: "createdAt", orderDirection: "desc", limit: $limit) {
    items {` + artifactFields + `
    }
  }
}`
	var out struct {
		Artifacts artifactItems `json:"artifacts"`
	}
	err := c.query(ctx, "artifacts", document, map[string]interface{}{
		"workstreamId": workstreamID,
		"topic":        TopicMeasurement,
		"limit":        limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Artifacts.Items, nil
}

// ArtifactsByRequest returns artifact pointers emitted by a request's
// runs, newest first.
func (c *Client) ArtifactsByRequest(ctx context.Context, requestID string, limit int) ([]Artifact, error) {
	document := `
query ArtifactsByRequest($requestId: String, $limit: Int) {
  artifacts(where: {requestId: $requestId}, orderBy: "createdAt", orderDirection: "desc", limit: $limit) {
    items {` + artifactFields + `
    }
  }
}`
	var out struct {
		Artifacts artifactItems `json:"artifacts"`
	}
	err := c.query(ctx, "artifacts", document, map[string]interface{}{
		"requestId": requestID,
		"limit":     limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Artifacts.Items, nil
}

// MessagesByRequest returns coordination messages for a request in
// chronological order.
func (c *Client) MessagesByRequest(ctx context.Context, requestID string, limit int) ([]Message, error) {
	document := `
query MessagesByRequest($requestId: String, $limit: Int) {
  messages(where: {requestId: $requestId}, orderBy: "createdAt", orderDirection: "asc", limit: $limit) {
    items {` + messageFields + `
    }
  }
}`
	var out struct {
		Messages messageItems `json:"messages"`
	}
	err := c.query(ctx, "messages", document, map[string]interface{}{
		"requestId": requestID,
		"limit":     limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages.Items, nil
}

// CreateArtifact registers an artifact pointer with the indexer and
// returns its id. Callers treat failures as non-fatal; the artifact bytes
// are already safe in the content store.
func (c *Client) CreateArtifact(ctx context.Context, input ArtifactInput) (string, error) {
	document := `
mutation CreateArtifact($cid: String!, $topic: String!, $name: String, $artifactType: String, $tags: [String], $requestId: String, $workstreamId: String) {
  createArtifact(cid: $cid, topic: $topic, name: $name, artifactType: $artifactType, tags: $tags, requestId: $requestId, workstreamId: $workstreamId) {
    id
  }
}`
	var out struct {
		CreateArtifact struct {
			ID string `json:"id"`
		} `json:"createArtifact"`
	}
	err := c.query(ctx, "createArtifact", document, map[string]interface{}{
		"cid":          input.CID,
		"topic":        input.Topic,
		"name":         input.Name,
		"artifactType": input.ArtifactType,
		"tags":         input.Tags,
		"requestId":    input.RequestID,
		"workstreamId": input.WorkstreamID,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.CreateArtifact.ID, nil
}
