// Package dispatch implements the dispatching core: the shared per-
// submission dispatch state, the submission and file dispatch loops, the
// finalizer, and the client used by service workers to pull work and
// report outcomes.
package dispatch

import (
	"fmt"
	"time"
)

// watcherListTTL bounds how long an idle watch queue registration survives.
const watcherListTTL = 30 * time.Minute

// Queue names shared by all dispatcher workers.
const (
	// SubmissionQueue carries submission-level work items.
	SubmissionQueue = "dispatch-submission"

	// FileQueue carries file-level work items.
	FileQueue = "dispatch-file"
)

// Store key names.
const (
	// activeTasksName is the expiring hash of sid → SubmissionTask for
	// submissions currently being dispatched.
	activeTasksName = "dispatch-active-tasks"

	// runningTasksName is the expiring hash of service tasks currently
	// checked out by service workers.
	runningTasksName = "dispatch-running-tasks"

	// filesCompleteCounter counts files that cleared their full schedule.
	filesCompleteCounter = "dispatch.files_complete"
)

// ServiceQueueName returns the work queue of one service.
func ServiceQueueName(service string) string {
	return "service-queue-" + service
}

// watcherListName returns the expiring set of watch queues registered for a
// submission.
func watcherListName(sid string) string {
	return "dispatch-watcher-list-" + sid
}

// tagSetName returns the expiring set of tags accumulated for one file of a
// submission.
func tagSetName(sid, sha256 string) string {
	return fmt.Sprintf("/%s/%s/tags", sid, sha256)
}

// submissionTagsName returns the expiring hash of submission tags recorded
// under the file's extraction parent.
func submissionTagsName(parentHash, sha256 string) string {
	return fmt.Sprintf("st/%s/%s", parentHash, sha256)
}

// quotaHashName returns the per-submitter quota tracking hash.
func quotaHashName(submitter string) string {
	return "submissions-" + submitter
}
