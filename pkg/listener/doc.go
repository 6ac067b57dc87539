/*
Package listener implements the event-driven ingress of the orchestrator.

It subscribes to the command channel, accepts JOB_CREATED events, creates the
job's durable state, and schedules a pipeline run on a fixed-size pool that
bounds how many jobs execute concurrently. The same admission path is exposed
as Submit for the HTTP API. Creation is atomic on the job id, so redelivered
or duplicated events start exactly one run. Malformed events, unknown event
names, and duplicates are logged and dropped without affecting the consume
loop.
*/
package listener
