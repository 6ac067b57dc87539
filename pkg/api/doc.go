/*
Package api exposes the HTTP job surface of the orchestrator.

Routes:

	POST /jobs          submit a job; 202 {job_id, status} on acceptance,
	                    409 on a duplicate job id, 400 on an invalid body
	GET  /jobs/{job_id} read the stored job state; 404 when unknown
	GET  /health        liveness
	GET  /metrics       prometheus metrics

Submission delegates to the listener's admission path, so API jobs and
command-channel events share one de-dup point and one run pool. Error
bodies are {"detail": "..."}.
*/
package api
