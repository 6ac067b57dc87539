package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/ygrebnov/workers"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/state"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Listener is the ingress scheduler: it owns the bounded pool of pipeline
// runs and accepts jobs from two paths, JOB_CREATED events on the command
// channel and direct Submit calls from the HTTP API. Duplicate job ids and
// malformed events are dropped; neither stops the listener.
type Listener struct {
	broker   broker.Broker
	store    *state.Store
	executor *pipeline.Executor
	cfg      config.ListenerConfig
	logger   zerolog.Logger

	pool    *workers.Workers[*types.JobState]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a listener. Call Start to begin consuming.
func New(b broker.Broker, store *state.Store, executor *pipeline.Executor, cfg config.ListenerConfig) *Listener {
	return &Listener{
		broker:   b,
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   log.WithComponent("listener"),
	}
}

// Start brings up the run pool and, when the listener is enabled, the
// command-channel consumer. It returns once both are running; Stop shuts
// them down.
func (l *Listener) Start(ctx context.Context) error {
	runs := l.cfg.MaxConcurrentRuns
	if runs <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive, got %d", runs)
	}

	ctx, cancel := context.WithCancel(ctx)

	pool, err := workers.New[*types.JobState](ctx,
		workers.WithFixedPool(uint(runs)),
		workers.WithTasksBuffer(uint(runs)),
		workers.WithStartImmediately(),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create run pool: %w", err)
	}

	l.pool = pool
	l.cancel = cancel
	l.started = true

	l.wg.Add(1)
	go l.drain(ctx)

	if l.cfg.Enabled {
		sub, err := l.broker.Subscribe(ctx, l.cfg.CommandChannel)
		if err != nil {
			l.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", l.cfg.CommandChannel, err)
		}
		l.wg.Add(1)
		go l.consume(ctx, sub)
	}

	l.logger.Info().
		Str("channel", l.cfg.CommandChannel).
		Bool("enabled", l.cfg.Enabled).
		Int("max_concurrent_runs", runs).
		Msg("listener started")
	return nil
}

// Stop shuts the listener down and waits for its goroutines. In-flight
// pipeline runs are cancelled; their last persisted state remains readable.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.pool.Close()
	l.logger.Info().Msg("listener stopped")
}

func (l *Listener) consume(ctx context.Context, sub *broker.Subscription) {
	defer l.wg.Done()
	defer sub.Cancel()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				if ctx.Err() == nil {
					l.logger.Error().Str("channel", l.cfg.CommandChannel).Msg("command subscription ended")
				}
				return
			}
			l.handleEvent(ctx, msg.Payload)

		case <-ctx.Done():
			return
		}
	}
}

// drain consumes run results and errors so the pool never backs up
func (l *Listener) drain(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case st := <-l.pool.GetResults():
			if st != nil {
				l.logger.Info().
					Str("job_id", st.JobID).
					Str("status", string(st.Status)).
					Str("step", st.Step).
					Msg("pipeline run finished")
			}

		case err := <-l.pool.GetErrors():
			if err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error().Err(err).Msg("pipeline run aborted")
			}

		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handleEvent(ctx context.Context, payload []byte) {
	var ev types.JobCreatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		l.logger.Warn().Err(err).Msg("dropping malformed command event")
		return
	}
	if ev.Event != types.EventJobCreated {
		l.logger.Debug().Str("event", ev.Event).Msg("ignoring unknown event")
		return
	}

	req := ev.Request()
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		l.logger.Warn().Err(err).Str("job_id", req.JobID).Msg("dropping invalid job event")
		return
	}

	if _, err := l.Submit(ctx, req, "listener"); err != nil {
		if errors.Is(err, state.ErrDuplicateJob) {
			l.logger.Info().Str("job_id", req.JobID).Msg("duplicate job id, event dropped")
			return
		}
		l.logger.Error().Err(err).Str("job_id", req.JobID).Msg("failed to accept job event")
	}
}

// Submit creates the job's durable state and schedules its pipeline run.
// It is the single admission point shared by the command-channel consumer
// and the HTTP API; source labels the submission path in metrics. A job id
// that already has state returns state.ErrDuplicateJob and starts nothing.
func (l *Listener) Submit(ctx context.Context, req *types.IngestionJobRequest, source string) (*types.JobState, error) {
	if !l.started {
		return nil, fmt.Errorf("listener is not started")
	}

	st := types.NewJobState(req)
	if err := l.store.Create(ctx, st); err != nil {
		if errors.Is(err, state.ErrDuplicateJob) {
			metrics.JobsDuplicateTotal.Inc()
		}
		return nil, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(source).Inc()
	l.logger.Info().
		Str("job_id", st.JobID).
		Str("content_type", st.ContentType).
		Str("source", source).
		Msg("job accepted")

	if err := l.pool.AddTask(workers.TaskFunc(func(runCtx context.Context) (*types.JobState, error) {
		return l.executor.Run(runCtx, st)
	})); err != nil {
		return nil, fmt.Errorf("failed to schedule pipeline run: %w", err)
	}
	return st, nil
}
