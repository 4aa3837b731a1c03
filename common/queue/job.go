package queue

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/lyzr/mediacache/common/apperr"
)

// JobType discriminates job payloads. Workers dispatch on it.
type JobType string

const (
	JobTypeCacheAsset JobType = "cache_asset"
	JobTypeOCR        JobType = "ocr"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTypeCacheAsset, JobTypeOCR:
		return true
	}
	return false
}

// State is the queue-side lifecycle of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Payload is implemented by every job body the queue accepts
type Payload interface {
	Type() JobType
	JobID() string
	Validate() error
}

// CacheAssetPayload asks a worker to download, hash and upload one external resource
type CacheAssetPayload struct {
	OriginalURL  string `json:"originalUrl"`
	CacheAssetID string `json:"cacheAssetId"`
	Folder       string `json:"folder,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

func (p CacheAssetPayload) Type() JobType { return JobTypeCacheAsset }

// JobID is the cache asset id, so one asset never has two live jobs
func (p CacheAssetPayload) JobID() string { return p.CacheAssetID }

func (p CacheAssetPayload) Validate() error {
	if p.CacheAssetID == "" {
		return apperr.Validation("cacheAssetId", "is required")
	}
	if p.OriginalURL == "" {
		return apperr.Validation("originalUrl", "is required")
	}
	u, err := url.Parse(p.OriginalURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Validation("originalUrl", "must be an absolute http(s) URL")
	}
	return nil
}

// OCRPayload asks a worker to run text extraction over a post's images
type OCRPayload struct {
	PostID    string   `json:"postId"`
	ImageURLs []string `json:"imageUrls"`
}

func (p OCRPayload) Type() JobType { return JobTypeOCR }

// JobID is the post id, so a post is processed by at most one live job
func (p OCRPayload) JobID() string { return p.PostID }

func (p OCRPayload) Validate() error {
	if p.PostID == "" {
		return apperr.Validation("postId", "is required")
	}
	if len(p.ImageURLs) == 0 {
		return apperr.Validation("imageUrls", "at least one image URL is required")
	}
	for i, raw := range p.ImageURLs {
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			return apperr.Validation("imageUrls", "entry %d is not an absolute URL", i)
		}
	}
	return nil
}

// Job is a claimed or inspected queue entry
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	State        State           `json:"state"`
	FailedReason string          `json:"failedReason,omitempty"`
	Consumer     string          `json:"consumer,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// CacheAsset decodes and validates a cache_asset payload
func (j *Job) CacheAsset() (CacheAssetPayload, error) {
	var p CacheAssetPayload
	if err := j.decode(JobTypeCacheAsset, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

// OCR decodes and validates an ocr payload
func (j *Job) OCR() (OCRPayload, error) {
	var p OCRPayload
	if err := j.decode(JobTypeOCR, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func (j *Job) decode(want JobType, dst any) error {
	if j.Type != want {
		return apperr.Validation("type", "job %s is %q, not %q", j.ID, j.Type, want)
	}
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return apperr.Validation("payload", "job %s: %v", j.ID, err)
	}
	return nil
}

func jobFromFields(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:           fields["id"],
		Type:         JobType(fields["type"]),
		Payload:      json.RawMessage(fields["payload"]),
		State:        State(fields["state"]),
		FailedReason: fields["failedReason"],
		Consumer:     fields["consumer"],
	}

	var err error
	if job.Priority, err = atoiField(fields, "priority"); err != nil {
		return nil, err
	}
	if job.Attempts, err = atoiField(fields, "attempts"); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = atoiField(fields, "maxAttempts"); err != nil {
		return nil, err
	}

	job.CreatedAt = msField(fields["createdAt"])
	if t := msField(fields["processedAt"]); !t.IsZero() {
		job.ProcessedAt = &t
	}
	if t := msField(fields["finishedAt"]); !t.IsZero() {
		job.FinishedAt = &t
	}

	return job, nil
}

// fieldsFromReply converts a flat HGETALL reply returned by a script
func fieldsFromReply(reply []any) map[string]string {
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return fields
}

func atoiField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("job field %s: %w", name, err)
	}
	return n, nil
}

func msField(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
