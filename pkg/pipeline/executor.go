package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/state"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Executor drives one job at a time through the pipeline graph, persisting
// the state after every node transition. Many executions run concurrently,
// one goroutine each; they share nothing beyond the state store, which is
// keyed by job id.
type Executor struct {
	graph  *Graph
	store  *state.Store
	logger zerolog.Logger
}

// NewExecutor creates an executor over graph and store
func NewExecutor(graph *Graph, store *state.Store) *Executor {
	return &Executor{
		graph:  graph,
		store:  store,
		logger: log.WithComponent("orchestrator"),
	}
}

// Run executes the pipeline for st, which must already be persisted by the
// submission path. It returns the final state; every terminal outcome is
// reflected in persistence, never thrown. The returned error is non-nil
// only for cancellation and for persistence failures the operator must see.
//
// Failure policy: a node that times out or hits a transport error fails the
// job at that node, fast, with no retries. A node that returns a failed
// state short-circuits the rest of the pipeline. Partial metadata produced
// before the failure is retained.
func (e *Executor) Run(ctx context.Context, st *types.JobState) (*types.JobState, error) {
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	logger := e.logger.With().Str("job_id", st.JobID).Logger()
	logger.Info().Str("content_type", st.ContentType).Msg("pipeline run started")

	node := e.graph.Entry()
	for node != End {
		n, err := e.graph.Node(node)
		if err != nil {
			// Static graph; this means a programming error, not job data.
			return st, err
		}

		// Stamp the node being entered. Worker services dispatch on this
		// tag and replace it with <node>_done or <node>_failed.
		st.Step = node
		st.Touch()

		timer := metrics.NewTimer()
		result, runErr := n.Run(ctx, st)
		timer.ObserveDuration(metrics.PipelineNodeDuration.WithLabelValues(node))

		if runErr != nil {
			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				// Cancellation stops further publishes; the last persisted
				// state stands, nothing is rolled back.
				logger.Warn().Str("node", node).Msg("pipeline run cancelled")
				return st, runErr
			}

			st.Fail("failed_at_"+node, runErr.Error())
			if err := e.persist(ctx, st); err != nil {
				logger.Error().Err(err).Msg("failed to persist failed state")
			}
			metrics.JobsCompletedTotal.WithLabelValues(string(types.StatusFailed)).Inc()
			logger.Error().Err(runErr).Str("node", node).Msg("pipeline run failed")
			return st, nil
		}

		st = result
		st.Touch()
		if err := e.persist(ctx, st); err != nil {
			logger.Error().Err(err).Str("node", node).Msg("failed to persist state")
			return st, err
		}

		if st.Status == types.StatusFailed {
			// Business rejection from the node itself (e.g. validation).
			metrics.JobsCompletedTotal.WithLabelValues(string(types.StatusFailed)).Inc()
			logger.Info().Str("node", node).Strs("errors", st.Errors()).Msg("pipeline short-circuited")
			return st, nil
		}

		node = e.graph.Successor(node, st)
		logger.Debug().Str("step", st.Step).Str("next", node).Msg("node completed")
	}

	// Terminal write.
	st.Status = types.StatusSuccess
	st.Touch()
	if err := e.persist(ctx, st); err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal state")
		return st, err
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(types.StatusSuccess)).Inc()
	logger.Info().Str("branch", string(st.Branch)).Str("step", st.Step).Msg("pipeline run succeeded")
	return st, nil
}

func (e *Executor) persist(ctx context.Context, st *types.JobState) error {
	// Persistence must outlive a cancelled run context so the last
	// transition is not lost while shutting down.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	return e.store.Save(ctx, st)
}
