package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeSendReceipt    JobType = "send_receipt"
	JobTypeIncrementTotal JobType = "increment_total"
)

// Critical reports whether exhausting this job type loses money-relevant
// state. Critical failures are alerted with higher severity.
func (t JobType) Critical() bool {
	return t == JobTypeIncrementTotal
}

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDead       JobStatus = "dead"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Critical    bool                   `json:"critical,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	NextRunAt   *time.Time             `json:"next_run_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ReceiptJobPayload contains the payload for thank-you email jobs
type ReceiptJobPayload struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	URLNonce    string `json:"url_nonce"`
	AmountCents int64  `json:"amount_cents"`
	PledgeToken string `json:"pledge_token"`
}

// ToMap converts the payload to a map for storage
func (p ReceiptJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"email":        p.Email,
		"name":         p.Name,
		"url_nonce":    p.URLNonce,
		"amount_cents": p.AmountCents,
		"pledge_token": p.PledgeToken,
	}
}

// ReceiptJobPayloadFromMap creates a payload from a map
func ReceiptJobPayloadFromMap(data map[string]interface{}) (*ReceiptJobPayload, error) {
	var payload ReceiptJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// IncrementTotalJobPayload contains the payload for crediting a pledge to
// the running total
type IncrementTotalJobPayload struct {
	Counter     string `json:"counter"`
	AmountCents int64  `json:"amount_cents"`
	PledgeToken string `json:"pledge_token"`
}

func (p IncrementTotalJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"counter":      p.Counter,
		"amount_cents": p.AmountCents,
		"pledge_token": p.PledgeToken,
	}
}

func IncrementTotalJobPayloadFromMap(data map[string]interface{}) (*IncrementTotalJobPayload, error) {
	var payload IncrementTotalJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.NextRunAt = nil
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying schedules the job to run again at next
func (j *Job) MarkAsRetrying(next time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
	j.NextRunAt = &next
}

// MarkAsDead records that the job exhausted its retry budget
func (j *Job) MarkAsDead() {
	j.Status = JobStatusDead
	j.UpdatedAt = time.Now()
	j.NextRunAt = nil
}
