package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// TimeoutError is returned by Invoke when no correlated callback arrives
// within the deadline. The client never retries; retry policy belongs to
// the orchestrator.
type TimeoutError struct {
	Worker  string
	Task    string
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker %s timed out after %s waiting for %s callback (job %s)",
		e.Worker, e.Timeout, e.Task, e.JobID)
}

// WorkerClient invokes one remote worker over the broker: it publishes a
// task on the worker's request channel and blocks on the shared callback
// channel for the reply carrying the matching job id.
//
// The callback channel is shared across jobs. Replies for other jobs are
// discarded; malformed envelopes are skipped silently and eventually turn
// into a timeout. Invocations for different jobs proceed in parallel, each
// on its own subscription.
type WorkerClient struct {
	// WorkerName is the diagnostic tag naming the remote worker service
	WorkerName string

	// TaskName names the task for error messages and logs; several tasks
	// may share one worker service
	TaskName string

	// RequestChannel is where tasks are published
	RequestChannel string

	// CallbackChannel is where replies arrive
	CallbackChannel string

	broker broker.Broker
	logger zerolog.Logger
}

// New creates a worker client bound to b
func New(b broker.Broker, workerName, taskName, requestChannel, callbackChannel string) *WorkerClient {
	return &WorkerClient{
		WorkerName:      workerName,
		TaskName:        taskName,
		RequestChannel:  requestChannel,
		CallbackChannel: callbackChannel,
		broker:          b,
		logger:          log.WithWorker(workerName),
	}
}

// Invoke publishes st as a task and blocks until the correlated reply
// arrives, the timeout elapses, or ctx is cancelled.
//
// The subscription is opened before the request is published so a fast
// reply cannot slip through unobserved, and is torn down on every exit
// path. Transport failures propagate as *broker.TransportError; a missing
// reply becomes *TimeoutError.
func (c *WorkerClient) Invoke(ctx context.Context, st *types.JobState, timeout time.Duration) (*types.JobState, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkerInvocationDuration.WithLabelValues(c.WorkerName))

	sub, err := c.broker.Subscribe(ctx, c.CallbackChannel)
	if err != nil {
		metrics.WorkerInvocationsTotal.WithLabelValues(c.WorkerName, "transport_error").Inc()
		return nil, err
	}
	defer sub.Cancel()

	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task for %s: %w", c.TaskName, err)
	}

	if err := c.broker.Publish(ctx, c.RequestChannel, payload); err != nil {
		metrics.WorkerInvocationsTotal.WithLabelValues(c.WorkerName, "transport_error").Inc()
		return nil, err
	}

	c.logger.Debug().
		Str("task", c.TaskName).
		Str("job_id", st.JobID).
		Str("channel", c.RequestChannel).
		Msg("task published")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				metrics.WorkerInvocationsTotal.WithLabelValues(c.WorkerName, "transport_error").Inc()
				return nil, &broker.TransportError{
					Op:  "await_callback",
					Err: fmt.Errorf("callback subscription for %s ended", c.WorkerName),
				}
			}

			var env types.CallbackEnvelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil || env.Result == nil {
				// Malformed envelope: skip and keep waiting.
				c.logger.Debug().Str("channel", c.CallbackChannel).Msg("skipping malformed callback")
				continue
			}
			if env.JobID != st.JobID {
				// Reply for another job on the shared channel.
				continue
			}

			metrics.WorkerInvocationsTotal.WithLabelValues(c.WorkerName, "ok").Inc()
			c.logger.Debug().
				Str("task", c.TaskName).
				Str("job_id", st.JobID).
				Str("status", string(env.Result.Status)).
				Msg("callback received")
			return env.Result, nil

		case <-deadline.C:
			metrics.WorkerTimeoutsTotal.WithLabelValues(c.WorkerName).Inc()
			metrics.WorkerInvocationsTotal.WithLabelValues(c.WorkerName, "timeout").Inc()
			return nil, &TimeoutError{
				Worker:  c.WorkerName,
				Task:    c.TaskName,
				JobID:   st.JobID,
				Timeout: timeout,
			}

		case <-ctx.Done():
			metrics.WorkerInvocationsTotal.WithLabelValues(c.WorkerName, "cancelled").Inc()
			return nil, ctx.Err()
		}
	}
}
