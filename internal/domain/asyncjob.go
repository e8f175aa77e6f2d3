package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// CreateJobRequest is the JSON body of the async conversion endpoint. Async
// jobs fetch their source by URL and deliver by storage upload only; there
// is no connection left open to stream binary back to.
type CreateJobRequest struct {
	Params     ConvertParams `json:"params"`
	WebhookURL string        `json:"webhook_url,omitempty"`
}

func (r CreateJobRequest) Validate() error {
	src := strings.TrimSpace(r.Params.SrcURL)
	if src == "" {
		return fmt.Errorf("%w: src_url is required for async jobs", ErrInvalidInput)
	}

	desc, err := r.Params.Normalize(Source{URL: src})
	if err != nil {
		return err
	}
	if desc.Output.ReturnBinary {
		return fmt.Errorf("%w: return_binary is not available for async jobs", ErrInvalidInput)
	}
	if !desc.Output.UploadToStorage {
		return fmt.Errorf("%w: async jobs require upload_s3", ErrInvalidInput)
	}

	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: webhook_url must be an http(s) URL", ErrInvalidInput)
		}
	}
	return nil
}

// Job is the persisted record of one async conversion.
type Job struct {
	ID         string
	Status     string
	Params     ConvertParams
	WebhookURL string
	ObjectKey  string
	ObjectURL  string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
