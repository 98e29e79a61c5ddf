package models

import "fmt"

// SubmissionTask is the in-flight envelope for one submission. The first
// enqueue carries the full submission; later wakeups carry only the SID and
// the dispatcher reloads the task from the active-tasks hash.
type SubmissionTask struct {
	SID            string      `json:"sid"`
	Submission     *Submission `json:"submission,omitempty"`
	CompletedQueue string      `json:"completed_queue,omitempty"`
}

// FileTask is the transient envelope for one file inside a submission,
// recreated on every file-level dispatch cycle.
type FileTask struct {
	SID        string   `json:"sid"`
	ParentHash string   `json:"parent_hash,omitempty"`
	FileInfo   FileInfo `json:"file_info"`
	Depth      int      `json:"depth"`
	MaxFiles   int      `json:"max_files"`
}

// ServiceTask is the work message pushed onto a per-service queue.
// ServiceConfig is the resolved parameter map rendered as a JSON string so
// that service workers in any language can consume it.
type ServiceTask struct {
	SID           string   `json:"sid"`
	ServiceName   string   `json:"service_name"`
	ServiceConfig string   `json:"service_config"`
	FileInfo      FileInfo `json:"fileinfo"`
	Depth         int      `json:"depth"`
	MaxFiles      int      `json:"max_files"`
}

// Key returns the running-task identity of this service task.
func (t ServiceTask) Key() string {
	return ServiceTaskKey(t.SID, t.ServiceName, t.FileInfo.SHA256)
}

// ServiceTaskKey builds the running-task hash field for a (submission,
// service, file) triple.
func ServiceTaskKey(sid, serviceName, sha256 string) string {
	return fmt.Sprintf("%s-%s-%s", sid, serviceName, sha256)
}

// Watch queue statuses pushed to registered watchers.
const (
	WatchStatusStart = "START"
	WatchStatusOK    = "OK"
	WatchStatusFail  = "FAIL"
	WatchStatusStop  = "STOP"
)

// WatchQueueMessage is the per-result notification sent to watch queues.
type WatchQueueMessage struct {
	Status   string `json:"status"`
	CacheKey string `json:"cache_key,omitempty"`
}
