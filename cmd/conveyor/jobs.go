package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/pkg/types"
)

var (
	apiURL      string
	jobID       string
	filePath    string
	contentType string
	checksum    string
	submittedBy string
)

func init() {
	submitCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "orchestrator API base URL")
	submitCmd.Flags().StringVar(&jobID, "job-id", "", "job id (generated when omitted)")
	submitCmd.Flags().StringVar(&filePath, "file", "", "path of the file to ingest (required)")
	submitCmd.Flags().StringVar(&contentType, "content-type", "", "MIME type of the file (required)")
	submitCmd.Flags().StringVar(&checksum, "checksum", "", "sha256 hex digest of the file (required)")
	submitCmd.Flags().StringVar(&submittedBy, "submitted-by", "", "submitter identity")

	statusCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "orchestrator API base URL")
}

// httpClient bounds CLI calls; the API answers submission without waiting
// for the pipeline.
var httpClient = &http.Client{Timeout: 10 * time.Second}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an ingestion job",
	RunE: func(cmd *cobra.Command, args []string) error {
		if filePath == "" || contentType == "" || checksum == "" {
			return fmt.Errorf("--file, --content-type and --checksum are required")
		}

		req := types.IngestionJobRequest{
			JobID:          jobID,
			FilePath:       filePath,
			ContentType:    contentType,
			ChecksumSHA256: checksum,
			SubmittedBy:    submittedBy,
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		resp, err := httpClient.Post(apiURL+"/jobs", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to submit job: %v", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusAccepted:
			var accepted struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(data, &accepted); err != nil {
				return fmt.Errorf("unexpected response: %s", data)
			}
			fmt.Printf("✓ Job accepted\n  Job ID: %s\n  Status: %s\n", accepted.JobID, accepted.Status)
			return nil
		case http.StatusConflict:
			return fmt.Errorf("job already exists: %s", data)
		default:
			return fmt.Errorf("submission failed (%d): %s", resp.StatusCode, data)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := httpClient.Get(apiURL + "/jobs/" + args[0])
		if err != nil {
			return fmt.Errorf("failed to query job: %v", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				return fmt.Errorf("unexpected response: %s", data)
			}
			fmt.Println(pretty.String())
			return nil
		case http.StatusNotFound:
			return fmt.Errorf("job %s not found", args[0])
		default:
			return fmt.Errorf("query failed (%d): %s", resp.StatusCode, data)
		}
	},
}
