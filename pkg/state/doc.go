/*
Package state persists JobState records through the broker's key/value
side-channel under keys of the form job_state:{job_id}.

Create is the atomic check-and-set both ingress paths (the command-queue
listener and POST /jobs) go through, which is what de-duplicates concurrent
submissions of the same job id. Save refuses to change the status of a state
that has already been persisted as terminal.
*/
package state
