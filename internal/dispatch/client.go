package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scanforge/scanforge/internal/datastore"
	"github.com/scanforge/scanforge/internal/models"
	"github.com/scanforge/scanforge/internal/store"
)

// runningTaskTTL bounds how long a checked-out service task stays claimed
// when its worker dies without reporting.
const runningTaskTTL = time.Hour

// Client is the interface service workers and submitters use to talk to
// the dispatching core: submit work, check out service tasks and report
// their outcomes.
type Client struct {
	store    store.Store
	ds       datastore.Store
	log      *slog.Logger
	maxDepth int

	running         store.Hash
	submissionQueue store.Queue
	fileQueue       store.Queue

	now func() time.Time
}

// ClientOptions configures a Client. Store and Datastore are required.
type ClientOptions struct {
	Store     store.Store
	Datastore datastore.Store
	Logger    *slog.Logger

	// MaxExtractionDepth bounds how deep extracted children may nest below
	// a root file. Must match the dispatcher's setting.
	MaxExtractionDepth int
}

// NewClient creates a dispatch client from options.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.MaxExtractionDepth <= 0 {
		opts.MaxExtractionDepth = defaultMaxDepth
	}

	return &Client{
		store:           opts.Store,
		ds:              opts.Datastore,
		log:             opts.Logger,
		maxDepth:        opts.MaxExtractionDepth,
		running:         opts.Store.ExpiringHash(runningTasksName, runningTaskTTL),
		submissionQueue: opts.Store.Queue(SubmissionQueue),
		fileQueue:       opts.Store.Queue(FileQueue),
		now:             time.Now,
	}
}

// SubmitDispatch persists a submission and hands it to the dispatchers.
// CompletedQueue, when non-empty, receives the finalized submission.
func (c *Client) SubmitDispatch(ctx context.Context, submission *models.Submission, completedQueue string) error {
	submission.State = models.StateSubmitted
	if submission.Times.Submitted.IsZero() {
		submission.Times.Submitted = c.now()
	}

	if saveErr := c.ds.Submissions().Save(submission.SID, submission); saveErr != nil {
		return fmt.Errorf("save submission: %w", saveErr)
	}

	if submission.Params.QuotaItem && submission.Params.Submitter != "" {
		quota := c.store.Hash(quotaHashName(submission.Params.Submitter))
		stamp := c.now().UTC().Format(time.RFC3339)

		if quotaErr := quota.Set(submission.SID, []byte(stamp)); quotaErr != nil {
			return quotaErr
		}
	}

	task := models.SubmissionTask{
		SID:            submission.SID,
		Submission:     submission,
		CompletedQueue: completedQueue,
	}

	encoded, marshalErr := store.Marshal(task)
	if marshalErr != nil {
		return marshalErr
	}

	if pushErr := c.submissionQueue.Push(encoded); pushErr != nil {
		return fmt.Errorf("push submission queue: %w", pushErr)
	}

	c.log.InfoContext(ctx, "submission dispatched",
		"sid", submission.SID, "files", len(submission.Files))

	return nil
}

// RequestWork checks one task out of a service's queue, blocking up to
// timeout. A nil task with a nil error means no work arrived in time. A
// task already claimed by another worker is skipped.
func (c *Client) RequestWork(ctx context.Context, serviceName string, timeout time.Duration) (*models.ServiceTask, error) {
	payload, popErr := c.store.Queue(ServiceQueueName(serviceName)).Pop(timeout)
	if popErr != nil {
		return nil, fmt.Errorf("pop service queue %s: %w", serviceName, popErr)
	}

	if payload == nil {
		return nil, nil
	}

	var task models.ServiceTask

	if decodeErr := store.Unmarshal(payload, &task); decodeErr != nil {
		return nil, decodeErr
	}

	claimed, claimErr := c.running.SetIfAbsent(task.Key(), payload)
	if claimErr != nil {
		return nil, claimErr
	}

	if !claimed {
		c.log.InfoContext(ctx, "skipping task already claimed by another worker",
			"sid", task.SID, "service", serviceName, "sha256", task.FileInfo.SHA256)

		return nil, nil
	}

	return &task, nil
}

// ServiceFinished reports a successful service run: store the result,
// write the finish record, admit any extracted children and wake the file
// dispatcher when this was the file's last outstanding service.
func (c *Client) ServiceFinished(ctx context.Context, task *models.ServiceTask, resultKey string, result *models.Result) error {
	if removeErr := c.running.Remove(task.Key()); removeErr != nil {
		return removeErr
	}

	if saveErr := c.ds.Results().Save(resultKey, result); saveErr != nil {
		return fmt.Errorf("save result: %w", saveErr)
	}

	h := NewDispatchHash(task.SID, c.store)

	record := models.FinishRecord{
		Bucket:         models.BucketResult,
		Key:            resultKey,
		Score:          result.Score,
		Drop:           result.DropFile,
		Classification: result.Classification,
	}

	remaining, duplicate, finishErr := h.Finish(task.FileInfo.SHA256, task.ServiceName, record)
	if finishErr != nil {
		return finishErr
	}

	if duplicate {
		c.log.WarnContext(ctx, "duplicate service result ignored",
			"sid", task.SID, "service", task.ServiceName, "sha256", task.FileInfo.SHA256)

		return nil
	}

	for _, child := range result.Extracted {
		if admitErr := c.admitExtracted(ctx, h, task, child); admitErr != nil {
			return admitErr
		}
	}

	if remaining <= 0 {
		if wakeErr := c.wakeFile(task); wakeErr != nil {
			return wakeErr
		}
	}

	return c.notify(task.SID, models.WatchQueueMessage{
		Status:   models.WatchStatusOK,
		CacheKey: resultKey,
	})
}

// ServiceFailed reports a failed service run. Recoverable failures clear
// the dispatch record so the service is re-issued on the next pass;
// nonrecoverable failures write a terminal error record.
func (c *Client) ServiceFailed(ctx context.Context, task *models.ServiceTask, errorKey string, serviceError *models.ServiceError) error {
	if removeErr := c.running.Remove(task.Key()); removeErr != nil {
		return removeErr
	}

	h := NewDispatchHash(task.SID, c.store)
	sha256 := task.FileInfo.SHA256

	if serviceError.Status == models.StatusFailRecoverable {
		if failErr := h.FailRecoverable(sha256, task.ServiceName); failErr != nil {
			return failErr
		}

		c.log.InfoContext(ctx, "recoverable service failure, will re-dispatch",
			"sid", task.SID, "service", task.ServiceName, "sha256", sha256)

		return c.wakeFile(task)
	}

	if saveErr := c.ds.Errors().Save(errorKey, serviceError); saveErr != nil {
		return fmt.Errorf("save error: %w", saveErr)
	}

	if _, addErr := h.AddError(errorKey); addErr != nil {
		return addErr
	}

	remaining, duplicate, failErr := h.FailNonrecoverable(sha256, task.ServiceName, errorKey)
	if failErr != nil {
		return failErr
	}

	if duplicate {
		c.log.WarnContext(ctx, "duplicate service failure ignored",
			"sid", task.SID, "service", task.ServiceName, "sha256", sha256)

		return nil
	}

	c.log.WarnContext(ctx, "nonrecoverable service failure",
		"sid", task.SID, "service", task.ServiceName, "sha256", sha256, "error_key", errorKey)

	if remaining <= 0 {
		if wakeErr := c.wakeFile(task); wakeErr != nil {
			return wakeErr
		}
	}

	return c.notify(task.SID, models.WatchQueueMessage{
		Status:   models.WatchStatusFail,
		CacheKey: errorKey,
	})
}

// OutstandingServices counts, per service, how many files of the
// submission still lack a finish record for that service.
func (c *Client) OutstandingServices(ctx context.Context, sid string) (map[string]int, error) {
	h := NewDispatchHash(sid, c.store)

	files, filesErr := h.AllFiles()
	if filesErr != nil {
		return nil, filesErr
	}

	outstanding := make(map[string]int)

	for _, sha256 := range files {
		schedule, cached, schedErr := h.ScheduleGet(sha256)
		if schedErr != nil {
			return nil, schedErr
		}

		if !cached {
			continue
		}

		for _, stage := range schedule {
			for _, serviceName := range stage {
				_, finished, finErr := h.Finished(sha256, serviceName)
				if finErr != nil {
					return nil, finErr
				}

				if !finished {
					outstanding[serviceName]++
				}
			}
		}
	}

	return outstanding, nil
}

// SetupWatchQueue registers a queue for live result notifications on a
// submission: a START marker, a replay of every finish record so far, and
// an immediate STOP when the submission is already complete.
func (c *Client) SetupWatchQueue(ctx context.Context, sid, queueName string) error {
	watchers := c.store.ExpiringSet(watcherListName(sid), watcherListTTL)

	if addErr := watchers.Add(queueName); addErr != nil {
		return addErr
	}

	queue := c.store.Queue(queueName)

	if pushErr := c.pushWatch(queue, models.WatchQueueMessage{Status: models.WatchStatusStart}); pushErr != nil {
		return pushErr
	}

	h := NewDispatchHash(sid, c.store)

	results, resultsErr := h.AllResults()
	if resultsErr != nil {
		return resultsErr
	}

	for _, records := range results {
		for _, record := range records {
			status := models.WatchStatusOK
			if record.IsError() {
				status = models.WatchStatusFail
			}

			if pushErr := c.pushWatch(queue, models.WatchQueueMessage{Status: status, CacheKey: record.Key}); pushErr != nil {
				return pushErr
			}
		}
	}

	submission, found, getErr := c.ds.Submissions().Get(sid)
	if getErr != nil {
		return getErr
	}

	if !found || submission.State == models.StateCompleted {
		return c.pushWatch(queue, models.WatchQueueMessage{Status: models.WatchStatusStop})
	}

	// A live submission with no dispatch state yet has either not been
	// picked up or been lost; nudge the dispatcher to (re)process it.
	fileCount, countErr := h.FileCount()
	if countErr != nil {
		return countErr
	}

	if fileCount == 0 {
		encoded, marshalErr := store.Marshal(models.SubmissionTask{SID: sid})
		if marshalErr != nil {
			return marshalErr
		}

		if pushErr := c.submissionQueue.Push(encoded); pushErr != nil {
			return fmt.Errorf("nudge submission %s: %w", sid, pushErr)
		}
	}

	return nil
}

// admitExtracted admits one extracted child under the submission's file
// budget and extraction depth limit, queuing it for dispatch or recording
// why it was refused.
func (c *Client) admitExtracted(ctx context.Context, h *DispatchHash, task *models.ServiceTask, child models.FileRef) error {
	childDepth := task.Depth + 1

	if childDepth >= c.maxDepth {
		return c.refuseExtracted(ctx, h, task, child, "MAX DEPTH REACHED")
	}

	admitted, addErr := h.AddFile(child.SHA256, task.MaxFiles)
	if addErr != nil {
		return fmt.Errorf("admit extracted file %s: %w", child.SHA256, addErr)
	}

	if !admitted {
		return c.refuseExtracted(ctx, h, task, child, "MAX FILES REACHED")
	}

	info, found, infoErr := c.ds.Files().Get(child.SHA256)
	if infoErr != nil {
		return fmt.Errorf("load file info %s: %w", child.SHA256, infoErr)
	}

	fileInfo := models.FileInfo{SHA256: child.SHA256, Type: typeUnknown}
	if found {
		fileInfo = *info
	}

	fileTask := models.FileTask{
		SID:        task.SID,
		ParentHash: task.FileInfo.SHA256,
		FileInfo:   fileInfo,
		Depth:      childDepth,
		MaxFiles:   task.MaxFiles,
	}

	encoded, marshalErr := store.Marshal(fileTask)
	if marshalErr != nil {
		return marshalErr
	}

	return c.fileQueue.Push(encoded)
}

// refuseExtracted records a terminal dispatching error for a child that
// cannot be admitted, once per (parent, reason).
func (c *Client) refuseExtracted(ctx context.Context, h *DispatchHash, task *models.ServiceTask, child models.FileRef, reason string) error {
	serviceError := models.ServiceError{
		SHA256:      task.FileInfo.SHA256,
		ServiceName: task.ServiceName,
		Status:      models.StatusFailNonrecoverable,
		Type:        reason,
		Message: fmt.Sprintf("extracted file %s was not dispatched: %s",
			child.SHA256, reason),
	}

	errorKey := serviceError.Key()

	recorded, addErr := h.AddError(errorKey)
	if addErr != nil {
		return addErr
	}

	if !recorded {
		return nil
	}

	if saveErr := c.ds.Errors().Save(errorKey, &serviceError); saveErr != nil {
		return fmt.Errorf("save error: %w", saveErr)
	}

	c.log.WarnContext(ctx, "extracted file refused",
		"sid", task.SID, "parent", task.FileInfo.SHA256, "sha256", child.SHA256, "reason", reason)

	return c.notify(task.SID, models.WatchQueueMessage{
		Status:   models.WatchStatusFail,
		CacheKey: errorKey,
	})
}

// wakeFile queues a file-level dispatch pass for the task's file.
func (c *Client) wakeFile(task *models.ServiceTask) error {
	fileTask := models.FileTask{
		SID:      task.SID,
		FileInfo: task.FileInfo,
		Depth:    task.Depth,
		MaxFiles: task.MaxFiles,
	}

	encoded, marshalErr := store.Marshal(fileTask)
	if marshalErr != nil {
		return marshalErr
	}

	if pushErr := c.fileQueue.Push(encoded); pushErr != nil {
		return fmt.Errorf("push file queue: %w", pushErr)
	}

	return nil
}

// notify fans one message out to every watch queue of the submission.
func (c *Client) notify(sid string, message models.WatchQueueMessage) error {
	queues, membersErr := c.store.ExpiringSet(watcherListName(sid), watcherListTTL).Members()
	if membersErr != nil {
		return membersErr
	}

	for _, queue := range queues {
		if pushErr := c.pushWatch(c.store.Queue(queue), message); pushErr != nil {
			return pushErr
		}
	}

	return nil
}

func (c *Client) pushWatch(queue store.Queue, message models.WatchQueueMessage) error {
	encoded, marshalErr := store.Marshal(message)
	if marshalErr != nil {
		return marshalErr
	}

	return queue.Push(encoded)
}
