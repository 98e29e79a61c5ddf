package models

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Finish record buckets. A finish record lands in exactly one bucket.
const (
	BucketResult = "result"
	BucketError  = "error"
)

// FinishRecord is the terminal state of one (file, service) pair inside a
// submission. Once written it is never replaced by a record with a
// different bucket.
type FinishRecord struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	Score          int    `json:"score"`
	Drop           bool   `json:"drop"`
	Classification string `json:"classification,omitempty"`
}

// IsError reports whether the record represents a service failure.
func (r FinishRecord) IsError() bool {
	return r.Bucket == BucketError
}

// Result is a service's stored output for one file.
type Result struct {
	SHA256         string    `json:"sha256"`
	ServiceName    string    `json:"service_name"`
	Classification string    `json:"classification,omitempty"`
	Score          int       `json:"score"`
	DropFile       bool      `json:"drop_file"`
	Extracted      []FileRef `json:"extracted,omitempty"`
	ExpiryTS       time.Time `json:"expiry_ts,omitempty"`
}

// Service error statuses.
const (
	StatusFailRecoverable    = "FAIL_RECOVERABLE"
	StatusFailNonrecoverable = "FAIL_NONRECOVERABLE"
)

// ServiceError is a stored record of a service failing on one file.
type ServiceError struct {
	SHA256      string    `json:"sha256"`
	ServiceName string    `json:"service_name"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Type        string    `json:"type,omitempty"`
	ExpiryTS    time.Time `json:"expiry_ts,omitempty"`
}

// Key derives the storage key for this error record.
func (e ServiceError) Key() string {
	return fmt.Sprintf("%s.%s.e%x", e.SHA256, e.ServiceName, xxhash.Sum64String(e.Type+e.Message))
}

// FileScore is the cached aggregate outcome of running one file through one
// parameter set, keyed by [SubmissionParams.CreateFileScoreKey].
type FileScore struct {
	PSID     string    `json:"psid,omitempty"`
	ExpiryTS time.Time `json:"expiry_ts,omitempty"`
	Score    int       `json:"score"`
	Errors   int       `json:"errors"`
	SID      string    `json:"sid"`
	Time     time.Time `json:"time"`
}
