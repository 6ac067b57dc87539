package pipeline

import (
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// routeWorkflow is the one in-process node. It inspects the content type,
// sets the branch exactly once, and stamps the transient routed status.
//
// Unknown content types fall through to the image branch. That mirrors the
// original system's behavior; the warning below is what makes a misroute
// visible to operators.
func routeWorkflow(st *types.JobState) *types.JobState {
	var branch types.Branch
	switch {
	case types.IsImage(st.ContentType):
		branch = types.BranchImage
	case types.IsVideo(st.ContentType):
		branch = types.BranchVideo
	case types.IsPDF(st.ContentType):
		branch = types.BranchPDF
	default:
		logger := log.WithComponent("router")
		logger.Warn().
			Str("job_id", st.JobID).
			Str("content_type", st.ContentType).
			Msg("unknown content type, defaulting to image branch")
		branch = types.BranchImage
	}

	st.Branch = branch
	st.Status = types.RoutedStatus(branch)
	st.Step = NodeRouteWorkflow
	st.Touch()
	return st
}
