/*
Package client implements the request/callback protocol used to invoke
remote workers over the broker: a synchronous RPC built on publish/subscribe.

One WorkerClient is configured per pipeline task with a worker name, a task
name, and a request/callback channel pair. Invoke serializes the
JobState, publishes it, and blocks on the shared callback channel until the
reply whose job_id matches arrives or the per-worker timeout elapses.
Correlation is by job id because the worker broadcasts every reply to one
shared callback channel rather than a per-job channel.
*/
package client
