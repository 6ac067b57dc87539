/*
Package log provides structured logging for Conveyor using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Context loggers attach the fields the rest of the system correlates on:

  - WithComponent: orchestrator, listener, broker, api, worker
  - WithJobID: the job a pipeline run or worker invocation belongs to
  - WithWorker: the worker name for request/callback traffic
  - WithChannel: the pub/sub channel a message moved through

Initialize once at process startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("orchestrator")
	logger.Info().Str("job_id", id).Msg("pipeline run started")
*/
package log
