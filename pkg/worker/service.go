package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// ProcessFunc is the worker body: pure state in, state out. An error return
// (or a panic) becomes a failed state that is still published, so the
// orchestrator always hears back before its timeout.
type ProcessFunc func(ctx context.Context, st *types.JobState) (*types.JobState, error)

// Service is the request/callback counterpart of the worker client: it
// subscribes to one request channel, runs the process function on every
// message, and publishes the result envelope on the callback channel with
// the job id as correlation id.
//
// Workers are stateless between messages. Because the broker fans every
// message out to all subscribers of a channel, deploy exactly one service
// instance per request channel (or accept duplicate processing).
type Service struct {
	Name            string
	RequestChannel  string
	CallbackChannel string

	process ProcessFunc
	broker  broker.Broker
	logger  zerolog.Logger
}

// NewService creates a worker service
func NewService(b broker.Broker, name, requestChannel, callbackChannel string, process ProcessFunc) *Service {
	return &Service{
		Name:            name,
		RequestChannel:  requestChannel,
		CallbackChannel: callbackChannel,
		process:         process,
		broker:          b,
		logger:          log.WithWorker(name),
	}
}

// NewFromConfig creates the named builtin worker service wired to its
// configured channel pair
func NewFromConfig(b broker.Broker, name string, cfg *config.Config) (*Service, error) {
	wcfg, err := cfg.Worker(name)
	if err != nil {
		return nil, err
	}
	process, err := Builtin(name, cfg)
	if err != nil {
		return nil, err
	}
	return NewService(b, name, wcfg.RequestChannel, wcfg.CallbackChannel, process), nil
}

// Run subscribes and serves requests until ctx is cancelled or the
// subscription dies. It never drops a request silently: every parsed
// message produces exactly one callback.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.broker.Subscribe(ctx, s.RequestChannel)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	s.logger.Info().
		Str("request_channel", s.RequestChannel).
		Str("callback_channel", s.CallbackChannel).
		Msg("worker listening")

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &broker.TransportError{
					Op:  "serve",
					Err: fmt.Errorf("request subscription for %s ended", s.Name),
				}
			}
			s.handle(ctx, msg.Payload)

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) handle(ctx context.Context, payload []byte) {
	var st types.JobState
	if err := json.Unmarshal(payload, &st); err != nil {
		// Not a JobState; nothing to correlate a reply to.
		s.logger.Warn().Err(err).Msg("dropping malformed request")
		return
	}

	result := s.safeProcess(ctx, &st)

	env := types.CallbackEnvelope{JobID: st.JobID, Result: result}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", st.JobID).Msg("failed to marshal callback")
		return
	}

	if err := s.broker.Publish(ctx, s.CallbackChannel, data); err != nil {
		s.logger.Error().Err(err).Str("job_id", st.JobID).Msg("failed to publish callback")
		return
	}

	s.logger.Debug().
		Str("job_id", st.JobID).
		Str("step", result.Step).
		Str("status", string(result.Status)).
		Msg("request processed")
}

// safeProcess runs the worker body, converting errors and panics into a
// failed state so the caller always receives a callback
func (s *Service) safeProcess(ctx context.Context, st *types.JobState) (result *types.JobState) {
	step := st.Step

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job_id", st.JobID).Any("panic", r).Msg("worker panicked")
			result = st.Clone()
			result.Fail(step+"_failed", fmt.Sprintf("worker %s panicked: %v", s.Name, r))
		}
	}()

	out, err := s.process(ctx, st)
	if err != nil {
		failed := st.Clone()
		failed.Fail(step+"_failed", err.Error())
		return failed
	}
	return out
}
