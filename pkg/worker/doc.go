/*
Package worker provides the service loop shared by all worker processes and
the built-in implementations of the pipeline's workers.

A Service subscribes to one request channel, runs its ProcessFunc on every
JobState it receives, and always publishes a CallbackEnvelope on the callback
channel, even when the body returns an error or panics. Services that back
several pipeline nodes (ai, media_processing) dispatch on the step stamped
into the request.

The built-in process functions are deterministic placeholders: they record
what a production worker would compute (thumbnails, transcripts, summaries)
as metadata derived from the job itself, which is enough for the pipeline,
the state machine, and end-to-end tests. Deployments replace them by running
their own process against the same channel pair.
*/
package worker
