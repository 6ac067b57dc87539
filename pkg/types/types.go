package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Status represents the lifecycle state of a job
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// RoutedStatus returns the transient status stamped by the routing node,
// e.g. "routed_to_image_branch"
func RoutedStatus(branch Branch) Status {
	return Status("routed_to_" + string(branch))
}

// Branch identifies the per-content-type sub-pipeline a job is routed into
type Branch string

const (
	BranchNone  Branch = ""
	BranchImage Branch = "image_branch"
	BranchVideo Branch = "video_branch"
	BranchPDF   Branch = "pdf_branch"
)

// Content types accepted by the default validation policy
const (
	ContentTypePDF = "application/pdf"
)

// DefaultAllowedContentTypes is the validation allow-list when none is configured
var DefaultAllowedContentTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"video/mp4",
	"video/avi",
	"video/mov",
	"video/webm",
}

// IsImage reports whether ct is an image MIME type
func IsImage(ct string) bool { return strings.HasPrefix(ct, "image/") }

// IsVideo reports whether ct is a video MIME type
func IsVideo(ct string) bool { return strings.HasPrefix(ct, "video/") }

// IsPDF reports whether ct is the PDF MIME type
func IsPDF(ct string) bool { return ct == ContentTypePDF }

// JobState is the single source of truth for one job. It is created on
// submission, mutated only by the pipeline run that owns it, and persisted
// after every node transition. Metadata accumulates per-worker results under
// distinct top-level keys; workers merge, they never overwrite sibling keys.
type JobState struct {
	JobID          string         `json:"job_id"`
	FilePath       string         `json:"file_path"`
	ContentType    string         `json:"content_type"`
	ChecksumSHA256 string         `json:"checksum_sha256"`
	SubmittedBy    string         `json:"submitted_by,omitempty"`
	Status         Status         `json:"status"`
	Step           string         `json:"step"`
	Branch         Branch         `json:"branch"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Metadata       map[string]any `json:"metadata"`
}

// IngestionJobRequest is the submission payload accepted by POST /jobs and
// carried inside JOB_CREATED events
type IngestionJobRequest struct {
	JobID          string `json:"job_id"`
	FilePath       string `json:"file_path"`
	ContentType    string `json:"content_type"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	SubmittedBy    string `json:"submitted_by,omitempty"`
}

// Validate checks the request for the fields the core cannot proceed without
func (r *IngestionJobRequest) Validate() error {
	if r.FilePath == "" {
		return fmt.Errorf("file_path is required")
	}
	if r.ContentType == "" {
		return fmt.Errorf("content_type is required")
	}
	if r.ChecksumSHA256 == "" {
		return fmt.Errorf("checksum_sha256 is required")
	}
	return nil
}

// NewJobState creates the initial state for a submitted job
func NewJobState(req *IngestionJobRequest) *JobState {
	now := time.Now().UTC()
	return &JobState{
		JobID:          req.JobID,
		FilePath:       req.FilePath,
		ContentType:    req.ContentType,
		ChecksumSHA256: req.ChecksumSHA256,
		SubmittedBy:    req.SubmittedBy,
		Status:         StatusQueued,
		Step:           "queued",
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       map[string]any{},
	}
}

// Touch stamps UpdatedAt with the current time. UpdatedAt never moves
// backwards, even if the wall clock does.
func (s *JobState) Touch() {
	now := time.Now().UTC()
	if now.Before(s.UpdatedAt) {
		return
	}
	s.UpdatedAt = now
}

// Clone returns a deep copy of the state. Metadata is copied through a JSON
// round-trip so nested maps do not alias the original.
func (s *JobState) Clone() *JobState {
	cp := *s
	cp.Metadata = map[string]any{}
	if len(s.Metadata) > 0 {
		data, err := json.Marshal(s.Metadata)
		if err == nil {
			_ = json.Unmarshal(data, &cp.Metadata)
		}
	}
	return &cp
}

// MergeMetadata merges patch into the metadata map using RFC 7386 merge-patch
// semantics. Keys absent from patch are left untouched, so concurrent workers
// writing distinct top-level keys never clobber each other's results.
func (s *JobState) MergeMetadata(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	base, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if s.Metadata == nil {
		base = []byte("{}")
	}

	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata patch: %w", err)
	}

	merged, err := jsonpatch.MergePatch(base, doc)
	if err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return fmt.Errorf("failed to unmarshal merged metadata: %w", err)
	}
	s.Metadata = out
	return nil
}

// AddError appends msg to the metadata "errors" list, creating it if needed
func (s *JobState) AddError(msg string) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	errs, _ := s.Metadata["errors"].([]any)
	s.Metadata["errors"] = append(errs, msg)
}

// Errors returns the metadata "errors" list as strings
func (s *JobState) Errors() []string {
	errs, _ := s.Metadata["errors"].([]any)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, fmt.Sprint(e))
	}
	return out
}

// Fail marks the state failed at the given step and records the error
func (s *JobState) Fail(step, errMsg string) {
	s.Status = StatusFailed
	s.Step = step
	s.AddError(errMsg)
	s.Touch()
}

// EventJobCreated is the event name carried on the command queue
const EventJobCreated = "JOB_CREATED"

// JobCreatedEvent is the envelope published on the command queue when an
// upload completes elsewhere in the system
type JobCreatedEvent struct {
	Event          string `json:"event"`
	JobID          string `json:"job_id"`
	FilePath       string `json:"file_path"`
	ContentType    string `json:"content_type"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	SubmittedBy    string `json:"submitted_by,omitempty"`
}

// Request converts the event into the submission shape shared with POST /jobs
func (e *JobCreatedEvent) Request() *IngestionJobRequest {
	return &IngestionJobRequest{
		JobID:          e.JobID,
		FilePath:       e.FilePath,
		ContentType:    e.ContentType,
		ChecksumSHA256: e.ChecksumSHA256,
		SubmittedBy:    e.SubmittedBy,
	}
}

// CallbackEnvelope is published by a worker on its callback channel. JobID is
// the correlation id clients discriminate on; Result is the full state after
// the worker ran.
type CallbackEnvelope struct {
	JobID  string    `json:"job_id"`
	Result *JobState `json:"result"`
}
