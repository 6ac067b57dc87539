/*
Package pipeline is the orchestrator core: the static branching graph of
processing nodes and the executor that drives each job through it.

	entry: validate_file
	  validate_file ──(failed)──► END
	  validate_file ───────────► extract_metadata ──► route_workflow
	  route_workflow ──(image)──► generate_thumbnails ──► analyze_image_with_ai ──► END
	                 ──(video)──► extract_audio ──► transcribe_audio ──► generate_video_summary ──► END
	                 ──(pdf)────► extract_text ──► summarize_document ──► END

Every node except route_workflow is a worker invocation over the broker;
route_workflow runs in-process and sets the branch. The executor persists
the job state after every transition, fails fast on worker timeouts and
transport errors, and short-circuits any node that returns a failed state.
Nothing is retried; a failed run's partial metadata is retained.
*/
package pipeline
