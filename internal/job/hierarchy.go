package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
)

// HierarchyStatus is the coarse state of a hierarchy node derived from its
// runs.
type HierarchyStatus string

const (
	HierarchyActive    HierarchyStatus = "active"
	HierarchyCompleted HierarchyStatus = "completed"
	HierarchyFailed    HierarchyStatus = "failed"
	HierarchyUnknown   HierarchyStatus = "unknown"
)

const (
	runsPerNode     = 10
	childrenPerNode = 20
	refsPerNode     = 10
	populateWorkers = 4
)

// HierarchyNode is one job definition in the walked tree, with the runs,
// artifact and message references discovered for it.
type HierarchyNode struct {
	JobDefinitionID string
	Name            string
	BranchName      string
	ParentID        string
	Depth           int
	Status          HierarchyStatus
	RunRequestIDs   []string
	ArtifactCIDs    []string
	Messages        []string
}

// Hierarchy is the bounded parent/child neighborhood of one job
// definition. Nodes are keyed by id and connected through adjacency
// lists; references never hold pointers into other nodes.
type Hierarchy struct {
	RootID   string
	Nodes    map[string]*HierarchyNode
	Children map[string][]string
}

// Node returns the node for id, or nil.
func (h *Hierarchy) Node(id string) *HierarchyNode {
	return h.Nodes[id]
}

// CompletedChildren counts children of parentID that finished
// successfully.
func (h *Hierarchy) CompletedChildren(parentID string) int {
	count := 0
	for _, childID := range h.Children[parentID] {
		if node := h.Nodes[childID]; node != nil && node.Status == HierarchyCompleted {
			count++
		}
	}
	return count
}

// Summary renders the hierarchy as an indented outline rooted at the
// topmost known ancestor, for inclusion in prompts.
func (h *Hierarchy) Summary() string {
	top := h.RootID
	hops := 0
	for hops < len(h.Nodes) {
		node := h.Nodes[top]
		if node == nil || node.ParentID == "" {
			break
		}
		if _, known := h.Nodes[node.ParentID]; !known {
			break
		}
		top = node.ParentID
		hops++
	}

	var b strings.Builder
	h.render(&b, top, 0, make(map[string]struct{}))
	return strings.TrimRight(b.String(), "\n")
}

func (h *Hierarchy) render(b *strings.Builder, id string, indent int, seen map[string]struct{}) {
	if _, ok := seen[id]; ok {
		return
	}
	seen[id] = struct{}{}

	node := h.Nodes[id]
	if node == nil {
		return
	}
	name := node.Name
	if name == "" {
		name = node.JobDefinitionID
	}
	b.WriteString(strings.Repeat("  ", indent))
	fmt.Fprintf(b, "- %s [%s]", name, node.Status)
	if node.BranchName != "" {
		fmt.Fprintf(b, " (branch %s)", node.BranchName)
	}
	if id == h.RootID {
		b.WriteString(" <- current job")
	}
	b.WriteString("\n")

	children := append([]string(nil), h.Children[id]...)
	sort.Strings(children)
	for _, childID := range children {
		h.render(b, childID, indent+1, seen)
	}
}

// Directory is the indexer surface the job package consumes.
type Directory interface {
	JobDefinitionByID(ctx context.Context, id string) (*indexer.JobDefinition, bool, error)
	ChildJobDefinitions(ctx context.Context, parentJobID string, limit int) ([]indexer.JobDefinition, error)
	RequestsByJobDefinition(ctx context.Context, jobDefinitionID string, limit int) ([]indexer.Request, error)
	ArtifactsByRequest(ctx context.Context, requestID string, limit int) ([]indexer.Artifact, error)
	MessagesByRequest(ctx context.Context, requestID string, limit int) ([]indexer.Message, error)
	MeasurementArtifacts(ctx context.Context, workstreamID string, limit int) ([]indexer.Artifact, error)
}

// ContentReader is the content-store surface the job package consumes.
type ContentReader interface {
	Get(ctx context.Context, cidStr string, opts contentstore.GetOptions) ([]byte, error)
	GetLegacy(ctx context.Context, digestHex string, opts contentstore.GetOptions) ([]byte, error)
}

// HierarchyWalker builds bounded hierarchies by breadth-first traversal
// over the indexer.
type HierarchyWalker struct {
	dir      Directory
	store    ContentReader
	maxDepth int
	log      *slog.Logger
}

// NewHierarchyWalker builds a walker bounded at maxDepth hops from the
// starting definition.
func NewHierarchyWalker(dir Directory, store ContentReader, maxDepth int, log *slog.Logger) *HierarchyWalker {
	return &HierarchyWalker{dir: dir, store: store, maxDepth: maxDepth, log: log}
}

// Walk traverses parents and children of rootID breadth-first up to the
// depth bound, then resolves each node's runs, status and references.
// Unreachable nodes are recorded as unknown, never fatal.
func (w *HierarchyWalker) Walk(ctx context.Context, rootID string) (*Hierarchy, error) {
	h := &Hierarchy{
		RootID:   rootID,
		Nodes:    make(map[string]*HierarchyNode),
		Children: make(map[string][]string),
	}
	if rootID == "" {
		return h, nil
	}

	type frontier struct {
		id    string
		depth int
	}
	queue := []frontier{{rootID, 0}}
	visited := map[string]struct{}{rootID: {}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		def, ok, err := w.dir.JobDefinitionByID(ctx, item.id)
		if err != nil || !ok {
			if err != nil {
				w.log.Warn("job definition unreachable", "job_definition", item.id, "error", err)
			}
			h.Nodes[item.id] = &HierarchyNode{
				JobDefinitionID: item.id,
				Depth:           item.depth,
				Status:          HierarchyUnknown,
			}
			continue
		}

		h.Nodes[def.ID] = &HierarchyNode{
			JobDefinitionID: def.ID,
			Name:            def.Name,
			BranchName:      def.BranchName,
			ParentID:        def.SourceJobID,
			Depth:           item.depth,
			Status:          HierarchyUnknown,
		}
		if def.SourceJobID != "" {
			h.addChild(def.SourceJobID, def.ID)
		}

		if item.depth >= w.maxDepth {
			continue
		}

		if def.SourceJobID != "" {
			if _, seen := visited[def.SourceJobID]; !seen {
				visited[def.SourceJobID] = struct{}{}
				queue = append(queue, frontier{def.SourceJobID, item.depth + 1})
			}
		}

		children, err := w.dir.ChildJobDefinitions(ctx, def.ID, childrenPerNode)
		if err != nil {
			w.log.Warn("child definitions unreachable", "job_definition", def.ID, "error", err)
			continue
		}
		for _, child := range children {
			h.addChild(def.ID, child.ID)
			if _, seen := visited[child.ID]; !seen {
				visited[child.ID] = struct{}{}
				queue = append(queue, frontier{child.ID, item.depth + 1})
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(populateWorkers)
	for _, node := range h.Nodes {
		g.Go(func() error {
			w.populate(gctx, node)
			return nil
		})
	}
	_ = g.Wait()

	return h, ctx.Err()
}

func (h *Hierarchy) addChild(parentID, childID string) {
	for _, existing := range h.Children[parentID] {
		if existing == childID {
			return
		}
	}
	h.Children[parentID] = append(h.Children[parentID], childID)
}

// populate fills a node's runs, status and artifact/message references.
func (w *HierarchyWalker) populate(ctx context.Context, node *HierarchyNode) {
	runs, err := w.dir.RequestsByJobDefinition(ctx, node.JobDefinitionID, runsPerNode)
	if err != nil {
		w.log.Warn("runs unreachable", "job_definition", node.JobDefinitionID, "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	for _, run := range runs {
		node.RunRequestIDs = append(node.RunRequestIDs, run.ID)
	}

	newest := runs[0]
	if !newest.Delivered {
		node.Status = HierarchyActive
	} else {
		node.Status = w.deliveredStatus(ctx, newest)
	}

	artifacts, err := w.dir.ArtifactsByRequest(ctx, newest.ID, refsPerNode)
	if err == nil {
		for _, a := range artifacts {
			node.ArtifactCIDs = append(node.ArtifactCIDs, a.CID)
		}
	}
	messages, err := w.dir.MessagesByRequest(ctx, newest.ID, refsPerNode)
	if err == nil {
		for _, m := range messages {
			node.Messages = append(node.Messages, m.Role+": "+m.Content)
		}
	}
}

// deliveredStatus reads the delivery payload of a settled run. A payload
// the store cannot produce still counts as completed: the chain says the
// run settled.
func (w *HierarchyWalker) deliveredStatus(ctx context.Context, run indexer.Request) HierarchyStatus {
	if run.DeliveryData == "" {
		return HierarchyCompleted
	}
	data, err := w.store.GetLegacy(ctx, run.DeliveryData, contentstore.GetOptions{RequestID: run.ID})
	if err != nil || data == nil {
		w.log.Debug("delivery payload unavailable", "request", run.ID, "error", err)
		return HierarchyCompleted
	}

	var payload struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return HierarchyCompleted
	}
	if payload.Status == StatusFailed {
		return HierarchyFailed
	}
	return HierarchyCompleted
}
