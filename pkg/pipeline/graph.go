package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/client"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Pipeline node names. Every node except route_workflow is a remote worker
// invocation; route_workflow runs in-process.
const (
	NodeValidateFile         = "validate_file"
	NodeExtractMetadata      = "extract_metadata"
	NodeRouteWorkflow        = "route_workflow"
	NodeGenerateThumbnails   = "generate_thumbnails"
	NodeAnalyzeImageWithAI   = "analyze_image_with_ai"
	NodeExtractAudio         = "extract_audio"
	NodeTranscribeAudio      = "transcribe_audio"
	NodeGenerateVideoSummary = "generate_video_summary"
	NodeExtractText          = "extract_text"
	NodeSummarizeDocument    = "summarize_document"

	// End is the single sink of the graph
	End = "END"
)

// nodeWorkers maps each worker-backed node to the worker service that
// executes it. Several tasks share one service (and its channel pair); the
// worker dispatches on the step stamped into the request.
var nodeWorkers = map[string]string{
	NodeValidateFile:         config.WorkerValidation,
	NodeExtractMetadata:      config.WorkerMetadata,
	NodeExtractText:          config.WorkerTextExtraction,
	NodeSummarizeDocument:    config.WorkerAI,
	NodeAnalyzeImageWithAI:   config.WorkerAI,
	NodeGenerateVideoSummary: config.WorkerAI,
	NodeGenerateThumbnails:   config.WorkerMediaProcessing,
	NodeExtractAudio:         config.WorkerMediaProcessing,
	NodeTranscribeAudio:      config.WorkerMediaProcessing,
}

// Invoker executes one remote task and returns the post-task state
type Invoker interface {
	Invoke(ctx context.Context, st *types.JobState, timeout time.Duration) (*types.JobState, error)
}

// internalFn is a node executed in-process (the router)
type internalFn func(*types.JobState) *types.JobState

// Node is one step of the static pipeline graph
type Node struct {
	Name    string
	Worker  string
	Timeout time.Duration

	invoker  Invoker
	internal internalFn
}

// Run executes the node against st
func (n *Node) Run(ctx context.Context, st *types.JobState) (*types.JobState, error) {
	if n.internal != nil {
		return n.internal(st), nil
	}
	return n.invoker.Invoke(ctx, st, n.Timeout)
}

// Graph is the static, acyclic pipeline: a single entry, a single END sink,
// and conditional edges evaluated against the post-node state.
type Graph struct {
	nodes map[string]*Node
	entry string
}

// ClientFactory builds the Invoker for one worker service. Production uses
// worker clients over the broker; tests substitute fakes.
type ClientFactory func(worker, task string, wcfg config.WorkerConfig) Invoker

// New builds the pipeline graph with worker clients bound to b
func New(b broker.Broker, cfg *config.Config) (*Graph, error) {
	return NewWithFactory(cfg, func(workerName, task string, wcfg config.WorkerConfig) Invoker {
		return client.New(b, workerName, task, wcfg.RequestChannel, wcfg.CallbackChannel)
	})
}

// NewWithFactory builds the graph using factory for every worker-backed node
func NewWithFactory(cfg *config.Config, factory ClientFactory) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*Node),
		entry: NodeValidateFile,
	}

	for name, workerName := range nodeWorkers {
		wcfg, err := cfg.Worker(workerName)
		if err != nil {
			return nil, fmt.Errorf("pipeline node %s: %w", name, err)
		}
		g.nodes[name] = &Node{
			Name:    name,
			Worker:  workerName,
			Timeout: wcfg.Timeout(),
			invoker: factory(workerName, name, wcfg),
		}
	}

	g.nodes[NodeRouteWorkflow] = &Node{
		Name:     NodeRouteWorkflow,
		internal: routeWorkflow,
	}

	return g, nil
}

// Entry returns the entry node name
func (g *Graph) Entry() string { return g.entry }

// Node returns the named node
func (g *Graph) Node(name string) (*Node, error) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline node %q", name)
	}
	return n, nil
}

// Successor returns the next node after node for the given post-node state.
// Failed states never reach here; the executor short-circuits them to END.
func (g *Graph) Successor(node string, st *types.JobState) string {
	switch node {
	case NodeValidateFile:
		return NodeExtractMetadata
	case NodeExtractMetadata:
		return NodeRouteWorkflow
	case NodeRouteWorkflow:
		switch st.Branch {
		case types.BranchVideo:
			return NodeExtractAudio
		case types.BranchPDF:
			return NodeExtractText
		default:
			return NodeGenerateThumbnails
		}
	case NodeGenerateThumbnails:
		return NodeAnalyzeImageWithAI
	case NodeExtractAudio:
		return NodeTranscribeAudio
	case NodeTranscribeAudio:
		return NodeGenerateVideoSummary
	case NodeExtractText:
		return NodeSummarizeDocument
	case NodeAnalyzeImageWithAI, NodeGenerateVideoSummary, NodeSummarizeDocument:
		return End
	default:
		return End
	}
}
