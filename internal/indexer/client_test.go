package indexer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedQuery struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// fakeIndexer answers every POST with the configured envelope and records
// the last query it saw.
type fakeIndexer struct {
	server *httptest.Server
	last   atomic.Pointer[capturedQuery]
	hits   atomic.Int64
	status int
	reply  string
}

func newFakeIndexer(t *testing.T, status int, reply string) *fakeIndexer {
	t.Helper()
	f := &fakeIndexer{status: status, reply: reply}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		var q capturedQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err == nil {
			f.last.Store(&q)
		}
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.reply))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIndexer) client(t *testing.T) *Client {
	t.Helper()
	return New(Config{URL: f.server.URL}, testLogger())
}

func TestUnclaimedRequests(t *testing.T) {
	reply := `{"data": {"requests": {"items": [
		{"id": "0xaa", "mech": "0x01", "ipfsHash": "f01701220aa", "delivered": false, "blockTimestamp": 100, "dependencies": ["0xbb"]},
		{"id": "0xcc", "mech": "0x01", "ipfsHash": "f01701220cc", "delivered": false, "blockTimestamp": 200}
	]}}}`
	fake := newFakeIndexer(t, http.StatusOK, reply)
	client := fake.client(t)

	requests, err := client.UnclaimedRequests(context.Background(), []string{"0x01"}, 50)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, "0xaa", requests[0].ID)
	assert.Equal(t, []string{"0xbb"}, requests[0].Dependencies)
	assert.Equal(t, int64(200), requests[1].BlockTimestamp)

	sent := fake.last.Load()
	require.NotNil(t, sent)
	assert.Contains(t, sent.Query, "delivered: false")
	assert.Contains(t, sent.Query, "mech_in")
	assert.Contains(t, sent.Query, `orderBy: "blockTimestamp"`)
	assert.Equal(t, float64(50), sent.Variables["limit"])
}

func TestRequestByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		fake := newFakeIndexer(t, http.StatusOK,
			`{"data": {"requests": {"items": [{"id": "0xaa", "delivered": true}]}}}`)
		req, ok, err := fake.client(t).RequestByID(context.Background(), "0xaa")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, req.Delivered)
	})

	t.Run("absent is not an error", func(t *testing.T) {
		fake := newFakeIndexer(t, http.StatusOK, `{"data": {"requests": {"items": []}}}`)
		req, ok, err := fake.client(t).RequestByID(context.Background(), "0xdd")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, req)
	})
}

func TestMeasurementArtifacts(t *testing.T) {
	fake := newFakeIndexer(t, http.StatusOK,
		`{"data": {"artifacts": {"items": [{"id": "a1", "cid": "bafy1", "topic": "MEASUREMENT", "createdAt": 9}]}}}`)
	artifacts, err := fake.client(t).MeasurementArtifacts(context.Background(), "ws-1", 20)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, TopicMeasurement, artifacts[0].Topic)

	sent := fake.last.Load()
	require.NotNil(t, sent)
	assert.Equal(t, "MEASUREMENT", sent.Variables["topic"])
	assert.Equal(t, "ws-1", sent.Variables["workstreamId"])
}

func TestCreateArtifact(t *testing.T) {
	fake := newFakeIndexer(t, http.StatusOK,
		`{"data": {"createArtifact": {"id": "art-7"}}}`)
	id, err := fake.client(t).CreateArtifact(context.Background(), ArtifactInput{
		CID:   "bafyabc",
		Topic: TopicWorkerTelemetry,
	})
	require.NoError(t, err)
	assert.Equal(t, "art-7", id)

	sent := fake.last.Load()
	require.NotNil(t, sent)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(sent.Query), "mutation"))
	assert.Equal(t, "bafyabc", sent.Variables["cid"])
}

func TestGraphQLErrorIsTerminal(t *testing.T) {
	fake := newFakeIndexer(t, http.StatusOK,
		`{"errors": [{"message": "Unknown field \"bogus\""}]}`)
	_, err := fake.client(t).UnclaimedRequests(context.Background(), []string{"0x01"}, 10)
	require.Error(t, err)
	assert.False(t, faults.IsRetryable(err))
	assert.Contains(t, err.Error(), "Unknown field")
}

func TestServerErrorIsRetryable(t *testing.T) {
	fake := newFakeIndexer(t, http.StatusBadGateway, "upstream down")
	_, err := fake.client(t).UnclaimedRequests(context.Background(), []string{"0x01"}, 10)
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
	assert.Equal(t, faults.CodeRPCFailure, faults.CodeOf(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake := newFakeIndexer(t, http.StatusInternalServerError, "boom")
	client := fake.client(t)

	for i := 0; i < 5; i++ {
		_, err := client.UnclaimedRequests(context.Background(), []string{"0x01"}, 10)
		require.Error(t, err)
	}
	require.Equal(t, int64(5), fake.hits.Load())

	// Breaker is open now: the next call fails fast without a request.
	_, err := client.UnclaimedRequests(context.Background(), []string{"0x01"}, 10)
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
	assert.Equal(t, int64(5), fake.hits.Load())
}
