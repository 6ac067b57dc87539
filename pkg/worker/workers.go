package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Builtin returns the process function for one of the built-in worker
// services. Services that back more than one pipeline node dispatch on the
// step the orchestrator stamped before publishing the request.
func Builtin(name string, cfg *config.Config) (ProcessFunc, error) {
	switch name {
	case config.WorkerValidation:
		return Validate(cfg.Validation), nil
	case config.WorkerMetadata:
		return ExtractMetadata, nil
	case config.WorkerTextExtraction:
		return ExtractText, nil
	case config.WorkerAI:
		return dispatch(map[string]ProcessFunc{
			pipeline.NodeSummarizeDocument:    SummarizeDocument,
			pipeline.NodeAnalyzeImageWithAI:   AnalyzeImage,
			pipeline.NodeGenerateVideoSummary: GenerateVideoSummary,
		}), nil
	case config.WorkerMediaProcessing:
		return dispatch(map[string]ProcessFunc{
			pipeline.NodeGenerateThumbnails: GenerateThumbnails,
			pipeline.NodeExtractAudio:       ExtractAudio,
			pipeline.NodeTranscribeAudio:    TranscribeAudio,
		}), nil
	default:
		return nil, fmt.Errorf("unknown worker: %s", name)
	}
}

// dispatch selects the process function by the request's current step
func dispatch(steps map[string]ProcessFunc) ProcessFunc {
	return func(ctx context.Context, st *types.JobState) (*types.JobState, error) {
		fn, ok := steps[st.Step]
		if !ok {
			return nil, fmt.Errorf("unexpected step %q", st.Step)
		}
		return fn(ctx, st)
	}
}

// done stamps the completed step and merges the node's metadata contribution
func done(st *types.JobState, node string, meta map[string]any) (*types.JobState, error) {
	out := st.Clone()
	out.Step = node + "_done"
	if err := out.MergeMetadata(meta); err != nil {
		return nil, fmt.Errorf("failed to merge metadata: %w", err)
	}
	out.Touch()
	return out, nil
}

// Validate checks the declared content type against the allow list and the
// checksum for shape. When the zero-checksum sentinel is enabled, checksums
// ending in '0' are rejected; that hook simulates corrupted uploads in
// development environments.
func Validate(vcfg config.ValidationConfig) ProcessFunc {
	allowed := make(map[string]struct{}, len(vcfg.AllowedContentTypes))
	for _, ct := range vcfg.AllowedContentTypes {
		allowed[ct] = struct{}{}
	}

	return func(_ context.Context, st *types.JobState) (*types.JobState, error) {
		if _, ok := allowed[st.ContentType]; !ok {
			out := st.Clone()
			out.Fail(pipeline.NodeValidateFile+"_failed",
				fmt.Sprintf("unsupported content type: %s", st.ContentType))
			return out, nil
		}

		if len(st.ChecksumSHA256) != 64 || !isHex(st.ChecksumSHA256) {
			out := st.Clone()
			out.Fail(pipeline.NodeValidateFile+"_failed",
				"checksum is not a 64 character hex digest")
			return out, nil
		}

		if vcfg.RejectZeroChecksum && strings.HasSuffix(st.ChecksumSHA256, "0") {
			out := st.Clone()
			out.Fail(pipeline.NodeValidateFile+"_failed",
				fmt.Sprintf("checksum validation failed for %s", st.FilePath))
			return out, nil
		}

		return done(st, pipeline.NodeValidateFile, map[string]any{
			"validation": "passed",
		})
	}
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ExtractMetadata records basic file facts. A missing file is not an error
// here; ingested paths may live on storage this worker cannot see.
func ExtractMetadata(_ context.Context, st *types.JobState) (*types.JobState, error) {
	file := map[string]any{
		"extension":    strings.TrimPrefix(filepath.Ext(st.FilePath), "."),
		"content_type": st.ContentType,
	}
	if info, err := os.Stat(st.FilePath); err == nil {
		file["size_bytes"] = info.Size()
	}
	return done(st, pipeline.NodeExtractMetadata, map[string]any{"file": file})
}

// ExtractText extracts document text. The built-in implementation produces
// a placeholder derived from the file name; a real deployment replaces this
// worker with one backed by an extraction engine.
func ExtractText(_ context.Context, st *types.JobState) (*types.JobState, error) {
	return done(st, pipeline.NodeExtractText, map[string]any{
		"text_extraction": map[string]any{
			"preview": fmt.Sprintf("extracted text from %s", filepath.Base(st.FilePath)),
		},
	})
}

// SummarizeDocument produces the document summary
func SummarizeDocument(_ context.Context, st *types.JobState) (*types.JobState, error) {
	return done(st, pipeline.NodeSummarizeDocument, map[string]any{
		"summary": fmt.Sprintf("summary of %s", filepath.Base(st.FilePath)),
	})
}

// GenerateThumbnails produces thumbnail artifact paths for an image
func GenerateThumbnails(_ context.Context, st *types.JobState) (*types.JobState, error) {
	base := strings.TrimSuffix(st.FilePath, filepath.Ext(st.FilePath))
	return done(st, pipeline.NodeGenerateThumbnails, map[string]any{
		"thumbnails": []any{
			base + "_thumb_small" + filepath.Ext(st.FilePath),
			base + "_thumb_large" + filepath.Ext(st.FilePath),
		},
	})
}

// AnalyzeImage produces the image analysis result
func AnalyzeImage(_ context.Context, st *types.JobState) (*types.JobState, error) {
	return done(st, pipeline.NodeAnalyzeImageWithAI, map[string]any{
		"image_analysis": map[string]any{
			"description": fmt.Sprintf("analysis of %s", filepath.Base(st.FilePath)),
		},
	})
}

// ExtractAudio extracts the audio track from a video
func ExtractAudio(_ context.Context, st *types.JobState) (*types.JobState, error) {
	base := strings.TrimSuffix(st.FilePath, filepath.Ext(st.FilePath))
	return done(st, pipeline.NodeExtractAudio, map[string]any{
		"audio_track": base + ".wav",
	})
}

// TranscribeAudio transcribes the extracted audio track
func TranscribeAudio(_ context.Context, st *types.JobState) (*types.JobState, error) {
	track, _ := st.Metadata["audio_track"].(string)
	return done(st, pipeline.NodeTranscribeAudio, map[string]any{
		"transcription": fmt.Sprintf("transcript of %s", filepath.Base(track)),
	})
}

// GenerateVideoSummary summarizes a video from its transcription
func GenerateVideoSummary(_ context.Context, st *types.JobState) (*types.JobState, error) {
	return done(st, pipeline.NodeGenerateVideoSummary, map[string]any{
		"video_summary": fmt.Sprintf("summary of %s", filepath.Base(st.FilePath)),
	})
}
