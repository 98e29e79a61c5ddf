package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/scanforge/scanforge/internal/classification"
	"github.com/scanforge/scanforge/internal/datastore"
	"github.com/scanforge/scanforge/internal/models"
	"github.com/scanforge/scanforge/internal/observability"
	"github.com/scanforge/scanforge/internal/scheduler"
	"github.com/scanforge/scanforge/internal/store"
	"github.com/scanforge/scanforge/internal/watcher"
)

// defaultTimeout is the submission watchdog window when none is configured.
const defaultTimeout = 5 * time.Minute

// defaultMaxDepth bounds the extraction recursion when none is configured.
const defaultMaxDepth = 6

// popTimeout is how long the dispatch loops block on an empty queue before
// re-checking their context.
const popTimeout = time.Second

// typeUnknown is scheduled when a file has no metadata record yet.
const typeUnknown = "unknown"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures a Dispatcher. Store, Datastore and Scheduler are
// required; everything else has a usable default.
type Options struct {
	Store          store.Store
	Datastore      datastore.Store
	Scheduler      *scheduler.Scheduler
	Classification *classification.Engine
	Metrics        *observability.DispatcherMetrics
	Logger         *slog.Logger

	// Timeout is the watchdog window. A submission untouched for this long
	// is re-queued for another dispatch pass.
	Timeout time.Duration

	// MaxExtractionDepth bounds how deep extracted children may nest below
	// a root file.
	MaxExtractionDepth int
}

// Dispatcher runs the dispatching core: it walks submissions, keeps files
// moving through their schedules and finalizes submissions once every file
// has cleared every stage. All coordination state lives in the shared
// store, so any number of dispatchers can run the same submission.
type Dispatcher struct {
	store     store.Store
	ds        datastore.Store
	scheduler *scheduler.Scheduler
	class     *classification.Engine
	watch     *watcher.Client
	metrics   *observability.DispatcherMetrics
	log       *slog.Logger

	timeout  time.Duration
	maxDepth int

	active          store.Hash
	submissionQueue store.Queue
	fileQueue       store.Queue

	now func() time.Time
}

// New creates a dispatcher from options.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Classification == nil {
		opts.Classification = classification.NewEngine(nil)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	if opts.MaxExtractionDepth <= 0 {
		opts.MaxExtractionDepth = defaultMaxDepth
	}

	return &Dispatcher{
		store:           opts.Store,
		ds:              opts.Datastore,
		scheduler:       opts.Scheduler,
		class:           opts.Classification,
		watch:           watcher.NewClient(opts.Store),
		metrics:         opts.Metrics,
		log:             opts.Logger,
		timeout:         opts.Timeout,
		maxDepth:        opts.MaxExtractionDepth,
		active:          opts.Store.ExpiringHash(activeTasksName, 2*opts.Timeout),
		submissionQueue: opts.Store.Queue(SubmissionQueue),
		fileQueue:       opts.Store.Queue(FileQueue),
		now:             time.Now,
	}
}

// RunSubmissionLoop pops submission tasks and dispatches them until the
// context is canceled.
func (d *Dispatcher) RunSubmissionLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, popErr := d.submissionQueue.Pop(popTimeout)
		if popErr != nil {
			return fmt.Errorf("pop submission queue: %w", popErr)
		}

		if payload == nil {
			continue
		}

		var task models.SubmissionTask

		if decodeErr := store.Unmarshal(payload, &task); decodeErr != nil {
			d.log.WarnContext(ctx, "dropping undecodable submission task", "error", decodeErr)

			continue
		}

		if dispatchErr := d.DispatchSubmission(ctx, &task); dispatchErr != nil {
			d.metrics.RecordError(ctx, "submission")
			d.log.ErrorContext(ctx, "submission dispatch failed", "sid", task.SID, "error", dispatchErr)
		}
	}
}

// RunFileLoop pops file tasks and dispatches them until the context is
// canceled.
func (d *Dispatcher) RunFileLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, popErr := d.fileQueue.Pop(popTimeout)
		if popErr != nil {
			return fmt.Errorf("pop file queue: %w", popErr)
		}

		if payload == nil {
			continue
		}

		var task models.FileTask

		if decodeErr := store.Unmarshal(payload, &task); decodeErr != nil {
			d.log.WarnContext(ctx, "dropping undecodable file task", "error", decodeErr)

			continue
		}

		if dispatchErr := d.DispatchFile(ctx, &task); dispatchErr != nil {
			d.metrics.RecordError(ctx, "file")
			d.log.ErrorContext(ctx, "file dispatch failed",
				"sid", task.SID, "sha256", task.FileInfo.SHA256, "error", dispatchErr)
		}
	}
}

// DispatchSubmission runs one full dispatch pass over a submission: admit
// the root files and any extracted children recorded so far, re-queue every
// file that still has unfinished services, and finalize when nothing is
// left. The pass is idempotent; running it twice concurrently only wastes
// work.
func (d *Dispatcher) DispatchSubmission(ctx context.Context, task *models.SubmissionTask) error {
	start := d.now()

	task, resolveErr := d.resolveTask(ctx, task)
	if task == nil || resolveErr != nil {
		return resolveErr
	}

	defer d.metrics.RecordDispatch(ctx, "submission", d.now().Sub(start))

	submission := task.Submission
	sid := task.SID

	if storeErr := d.storeActiveTask(task); storeErr != nil {
		return storeErr
	}

	if touchErr := d.touchSubmission(sid); touchErr != nil {
		return touchErr
	}

	// Every pass refreshes the submitter's quota stamp so quota accounting
	// tracks live submissions, not just their first dispatch.
	if submission.Params.QuotaItem && submission.Params.Submitter != "" {
		stamp := []byte(d.now().UTC().Format(time.RFC3339))
		if quotaErr := d.store.Hash(quotaHashName(submission.Params.Submitter)).Set(sid, stamp); quotaErr != nil {
			return quotaErr
		}
	}

	h := NewDispatchHash(sid, d.store)
	maxFiles := submission.MaxFiles()

	for _, file := range submission.Files {
		admitted, addErr := h.AddFile(file.SHA256, maxFiles)
		if addErr != nil {
			return fmt.Errorf("admit root file %s: %w", file.SHA256, addErr)
		}

		if !admitted {
			d.log.WarnContext(ctx, "root file over submission file budget",
				"sid", sid, "sha256", file.SHA256)
		}
	}

	walk, walkErr := d.walkSubmission(ctx, h, submission)
	if walkErr != nil {
		return walkErr
	}

	depths := walk.depths(d.maxDepth)

	// Children found on finish records are admitted only now, with their
	// depth resolved from the full parent map against the extraction limit.
	for _, child := range walk.discovered {
		depth, known := depths[child]
		if !known || depth >= d.maxDepth {
			d.log.WarnContext(ctx, "extracted file past depth limit not admitted",
				"sid", sid, "sha256", child)

			continue
		}

		admitted, addErr := h.AddFile(child, maxFiles)
		if addErr != nil {
			return fmt.Errorf("admit extracted file %s: %w", child, addErr)
		}

		if admitted {
			walk.pending = append(walk.pending, child)
		}
	}

	if len(walk.pending) == 0 {
		done, doneErr := h.AllFinished()
		if doneErr != nil {
			return doneErr
		}

		if done {
			return d.FinalizeSubmission(ctx, task)
		}
	}

	for _, sha256 := range walk.pending {
		depth, known := depths[sha256]
		if !known || depth >= d.maxDepth {
			// Already admitted but orphaned from the parent map. Dispatch
			// it at the boundary so the submission cannot wedge, but allow
			// no further extraction.
			depth = d.maxDepth - 1
		}

		info, infoErr := d.fileInfo(ctx, sha256)
		if infoErr != nil {
			return infoErr
		}

		fileTask := models.FileTask{
			SID:      sid,
			FileInfo: info,
			Depth:    depth,
			MaxFiles: maxFiles,
		}

		if pushErr := d.pushFileTask(fileTask); pushErr != nil {
			return pushErr
		}
	}

	d.log.InfoContext(ctx, "submission dispatch pass complete",
		"sid", sid, "pending", len(walk.pending))

	return nil
}

// submissionWalk accumulates the file graph discovered by one submission
// pass. discovered holds extracted children seen on finish records that are
// not in the admitted set yet; they are only admitted once their depth is
// resolved.
type submissionWalk struct {
	roots      map[string]struct{}
	parents    map[string][]string
	pending    []string
	discovered []string
}

// depths resolves every encountered file to its minimum extraction depth,
// capped at maxDepth+1 when unreachable from a root or on a parent cycle.
func (w *submissionWalk) depths(maxDepth int) map[string]int {
	out := make(map[string]int)

	var resolve func(sha256 string, visiting map[string]struct{}) int

	resolve = func(sha256 string, visiting map[string]struct{}) int {
		if depth, done := out[sha256]; done {
			return depth
		}

		if _, root := w.roots[sha256]; root {
			out[sha256] = 0

			return 0
		}

		if _, cycle := visiting[sha256]; cycle {
			return maxDepth + 1
		}

		visiting[sha256] = struct{}{}
		depth := maxDepth + 1

		for _, parent := range w.parents[sha256] {
			if pd := resolve(parent, visiting) + 1; pd < depth {
				depth = pd
			}
		}

		delete(visiting, sha256)
		out[sha256] = depth

		return depth
	}

	for sha256 := range w.roots {
		resolve(sha256, map[string]struct{}{})
	}

	for sha256 := range w.parents {
		resolve(sha256, map[string]struct{}{})
	}

	return out
}

// walkSubmission scans every admitted file, collecting parent edges and
// unadmitted extracted children from finish records along with the files
// that still have unfinished services. Children are not admitted here; the
// caller resolves their depth from the parent map first.
func (d *Dispatcher) walkSubmission(ctx context.Context, h *DispatchHash, submission *models.Submission) (*submissionWalk, error) {
	walk := &submissionWalk{
		roots:   make(map[string]struct{}, len(submission.Files)),
		parents: make(map[string][]string),
	}

	for _, file := range submission.Files {
		walk.roots[file.SHA256] = struct{}{}
	}

	admitted, filesErr := h.AllFiles()
	if filesErr != nil {
		return nil, filesErr
	}

	admittedSet := make(map[string]struct{}, len(admitted))
	for _, sha256 := range admitted {
		admittedSet[sha256] = struct{}{}
	}

	discovered := make(map[string]struct{})

	for _, sha256 := range admitted {
		schedule, schedErr := d.cachedSchedule(ctx, h, submission, sha256)
		if schedErr != nil {
			return nil, schedErr
		}

		filePending := false

		for _, stage := range schedule {
			for _, serviceName := range stage {
				record, finished, finErr := h.Finished(sha256, serviceName)
				if finErr != nil {
					return nil, finErr
				}

				if !finished {
					filePending = true

					continue
				}

				if record.IsError() {
					continue
				}

				children, childErr := d.extractedChildren(ctx, record)
				if childErr != nil {
					return nil, childErr
				}

				for _, child := range children {
					walk.parents[child] = append(walk.parents[child], sha256)

					if _, have := admittedSet[child]; have {
						continue
					}

					if _, have := discovered[child]; have {
						continue
					}

					discovered[child] = struct{}{}
					walk.discovered = append(walk.discovered, child)
				}
			}

			// Later stages only start once the current stage is fully
			// finished.
			if filePending {
				break
			}
		}

		if filePending {
			walk.pending = append(walk.pending, sha256)
		}
	}

	return walk, nil
}

// DispatchFile runs one dispatch pass over a single file: push every
// unfinished service of the earliest unfinished stage whose dispatch window
// has lapsed, or mark the file complete and wake the submission when the
// whole schedule is finished.
func (d *Dispatcher) DispatchFile(ctx context.Context, task *models.FileTask) error {
	start := d.now()

	submissionTask, resolveErr := d.resolveTask(ctx, &models.SubmissionTask{SID: task.SID})
	if submissionTask == nil || resolveErr != nil {
		return resolveErr
	}

	defer d.metrics.RecordDispatch(ctx, "file", d.now().Sub(start))

	submission := submissionTask.Submission
	sid := task.SID
	sha256 := task.FileInfo.SHA256

	if touchErr := d.touchSubmission(sid); touchErr != nil {
		return touchErr
	}

	h := NewDispatchHash(sid, d.store)

	schedule, schedErr := d.cachedScheduleForType(ctx, h, submission, sha256, task.FileInfo.Type)
	if schedErr != nil {
		return schedErr
	}

	var (
		outstanding []string
		score       int
		errorCount  int
		dropped     bool
	)

	for stageIdx, stage := range schedule {
		outstanding = outstanding[:0]

		for _, serviceName := range stage {
			record, finished, finErr := h.Finished(sha256, serviceName)
			if finErr != nil {
				return finErr
			}

			if !finished {
				outstanding = append(outstanding, serviceName)

				continue
			}

			if record.IsError() {
				errorCount++

				continue
			}

			score += record.Score

			if record.Drop && !submission.Params.IgnoreFiltering && !dropped {
				// A drop truncates the schedule to the stages already
				// started, unless the submitter asked to ignore filtering
				// verdicts. Truncation only ever shrinks, so concurrent
				// writers converge on the same schedule.
				dropped = true

				if overwriteErr := h.ScheduleOverwrite(sha256, schedule[:stageIdx+1]); overwriteErr != nil {
					return overwriteErr
				}
			}
		}

		if len(outstanding) > 0 || dropped {
			break
		}
	}

	if len(outstanding) == 0 {
		return d.finishFile(ctx, h, submissionTask, task, score, errorCount)
	}

	for _, serviceName := range outstanding {
		if dispatchErr := d.dispatchService(ctx, h, submission, task, serviceName); dispatchErr != nil {
			return dispatchErr
		}
	}

	return nil
}

// dispatchService pushes one (file, service) pair to its service queue
// unless a previous dispatch is still inside the service's window.
func (d *Dispatcher) dispatchService(ctx context.Context, h *DispatchHash, submission *models.Submission, task *models.FileTask, serviceName string) error {
	service, known, svcErr := d.scheduler.Catalog().Service(serviceName)
	if svcErr != nil {
		return svcErr
	}

	if !known {
		d.log.WarnContext(ctx, "scheduled service missing from catalog",
			"sid", task.SID, "service", serviceName)

		return nil
	}

	sha256 := task.FileInfo.SHA256

	last, timeErr := h.DispatchTime(sha256, serviceName)
	if timeErr != nil {
		return timeErr
	}

	now := d.now()
	if !last.IsZero() && now.Sub(last) < service.DispatchWindow() {
		return nil
	}

	config, configErr := buildServiceConfig(service, submission)
	if configErr != nil {
		return configErr
	}

	serviceTask := models.ServiceTask{
		SID:           task.SID,
		ServiceName:   serviceName,
		ServiceConfig: config,
		FileInfo:      task.FileInfo,
		Depth:         task.Depth,
		MaxFiles:      task.MaxFiles,
	}

	encoded, marshalErr := store.Marshal(serviceTask)
	if marshalErr != nil {
		return marshalErr
	}

	if pushErr := d.store.Queue(ServiceQueueName(serviceName)).Push(encoded); pushErr != nil {
		return fmt.Errorf("push service queue %s: %w", serviceName, pushErr)
	}

	if markErr := h.Dispatch(sha256, serviceName, now); markErr != nil {
		return markErr
	}

	d.metrics.RecordServiceDispatch(ctx, serviceName)
	d.log.InfoContext(ctx, "service task dispatched",
		"sid", task.SID, "sha256", sha256, "service", serviceName)

	return nil
}

// finishFile records a file clearing its whole schedule: cache its
// aggregate score, drop its tag state and wake the submission if it was the
// last file out.
func (d *Dispatcher) finishFile(ctx context.Context, h *DispatchHash, submissionTask *models.SubmissionTask, task *models.FileTask, score, errorCount int) error {
	submission := submissionTask.Submission
	sha256 := task.FileInfo.SHA256

	scoreKey := submission.Params.CreateFileScoreKey(sha256)
	fileScore := models.FileScore{
		PSID:     submission.Params.PSID,
		ExpiryTS: submission.ExpiryTS,
		Score:    score,
		Errors:   errorCount,
		SID:      task.SID,
		Time:     d.now(),
	}

	if saveErr := d.ds.FileScores().Save(scoreKey, fileScore); saveErr != nil {
		return fmt.Errorf("save file score: %w", saveErr)
	}

	if tagErr := d.store.Set(tagSetName(task.SID, sha256)).Delete(); tagErr != nil {
		return tagErr
	}

	if task.ParentHash != "" {
		if tagErr := d.store.Hash(submissionTagsName(task.ParentHash, sha256)).Delete(); tagErr != nil {
			return tagErr
		}
	}

	if _, countErr := d.store.Counter(filesCompleteCounter).Increment(1); countErr != nil {
		return countErr
	}

	d.metrics.RecordFileComplete(ctx)
	d.log.InfoContext(ctx, "file completed all stages",
		"sid", task.SID, "sha256", sha256, "score", score, "errors", errorCount)

	done, doneErr := h.AllFinished()
	if doneErr != nil {
		return doneErr
	}

	if !done {
		return nil
	}

	encoded, marshalErr := store.Marshal(models.SubmissionTask{SID: task.SID})
	if marshalErr != nil {
		return marshalErr
	}

	return d.submissionQueue.Push(encoded)
}

// FinalizeSubmission folds every finish record into the submission's
// finalization fields, persists the completed submission and tears down all
// of its dispatch state.
func (d *Dispatcher) FinalizeSubmission(ctx context.Context, task *models.SubmissionTask) error {
	submission := task.Submission
	sid := task.SID
	h := NewDispatchHash(sid, d.store)

	results, resultsErr := h.AllResults()
	if resultsErr != nil {
		return resultsErr
	}

	var (
		resultKeys []string
		labels     []string
		maxScore   int
	)

	errorSet := make(map[string]struct{})

	for sha256, records := range results {
		for serviceName, record := range records {
			switch record.Bucket {
			case models.BucketResult:
				resultKeys = append(resultKeys, record.Key)

				if record.Score > maxScore {
					maxScore = record.Score
				}

				if record.Classification != "" {
					labels = append(labels, record.Classification)
				}
			case models.BucketError:
				errorSet[record.Key] = struct{}{}
			default:
				d.log.WarnContext(ctx, "finish record with unknown bucket",
					"sid", sid, "sha256", sha256, "service", serviceName, "bucket", record.Bucket)
			}
		}
	}

	// Dispatching errors, like refused extractions, never get a finish
	// record but still belong to the submission.
	recorded, recordedErr := h.AllErrors()
	if recordedErr != nil {
		return recordedErr
	}

	for _, key := range recorded {
		errorSet[key] = struct{}{}
	}

	errorKeys := make([]string, 0, len(errorSet))
	for key := range errorSet {
		errorKeys = append(errorKeys, key)
	}

	sort.Strings(resultKeys)
	sort.Strings(errorKeys)

	fileCount, countErr := h.FileCount()
	if countErr != nil {
		return countErr
	}

	submission.Classification = d.class.Fold(d.class.Minimum(), labels)
	submission.ErrorCount = len(errorKeys)
	submission.Errors = errorKeys
	submission.FileCount = int(fileCount)
	submission.Results = resultKeys
	submission.MaxScore = maxScore
	submission.State = models.StateCompleted
	submission.Times.Completed = d.now()

	if saveErr := d.ds.Submissions().Save(sid, submission); saveErr != nil {
		return fmt.Errorf("save completed submission: %w", saveErr)
	}

	if submission.Params.QuotaItem && submission.Params.Submitter != "" {
		if _, _, quotaErr := d.store.Hash(quotaHashName(submission.Params.Submitter)).Pop(sid); quotaErr != nil {
			return quotaErr
		}
	}

	if task.CompletedQueue != "" {
		encoded, marshalErr := store.Marshal(submission)
		if marshalErr != nil {
			return marshalErr
		}

		if pushErr := d.store.Queue(task.CompletedQueue).Push(encoded); pushErr != nil {
			return fmt.Errorf("push completed queue: %w", pushErr)
		}
	}

	if notifyErr := d.notifyWatchers(sid, models.WatchQueueMessage{Status: models.WatchStatusStop}); notifyErr != nil {
		return notifyErr
	}

	if clearErr := d.watch.Clear(submissionWatchKey(sid)); clearErr != nil {
		return clearErr
	}

	if _, _, popErr := d.active.Pop(sid); popErr != nil {
		return popErr
	}

	if deleteErr := h.Delete(); deleteErr != nil {
		return deleteErr
	}

	d.metrics.RecordSubmissionComplete(ctx)
	d.log.InfoContext(ctx, "submission finalized",
		"sid", sid,
		"files", submission.FileCount,
		"results", len(resultKeys),
		"errors", len(errorKeys),
		"max_score", maxScore)

	return nil
}

// notifyWatchers fans one message out to every watch queue registered for
// the submission, then drops the registration list on STOP.
func (d *Dispatcher) notifyWatchers(sid string, message models.WatchQueueMessage) error {
	watchers := d.store.ExpiringSet(watcherListName(sid), watcherListTTL)

	queues, membersErr := watchers.Members()
	if membersErr != nil {
		return membersErr
	}

	encoded, marshalErr := store.Marshal(message)
	if marshalErr != nil {
		return marshalErr
	}

	for _, queue := range queues {
		if pushErr := d.store.Queue(queue).Push(encoded); pushErr != nil {
			return fmt.Errorf("notify watch queue %s: %w", queue, pushErr)
		}
	}

	if message.Status == models.WatchStatusStop {
		return watchers.Delete()
	}

	return nil
}

// resolveTask fills in a minimal {sid} task from the active-task hash, or
// from the datastore if the hash entry expired. A nil task with a nil error
// means the submission is gone or already completed and the caller should
// drop the work item.
func (d *Dispatcher) resolveTask(ctx context.Context, task *models.SubmissionTask) (*models.SubmissionTask, error) {
	if task.Submission != nil {
		return task, nil
	}

	raw, found, getErr := d.active.Get(task.SID)
	if getErr != nil {
		return nil, getErr
	}

	if found {
		var stored models.SubmissionTask

		if decodeErr := store.Unmarshal(raw, &stored); decodeErr != nil {
			return nil, decodeErr
		}

		if stored.Submission != nil {
			return &stored, nil
		}
	}

	submission, ok, dsErr := d.ds.Submissions().Get(task.SID)
	if dsErr != nil {
		return nil, dsErr
	}

	if !ok {
		d.log.WarnContext(ctx, "dropping task for unknown submission", "sid", task.SID)

		return nil, nil
	}

	if submission.State == models.StateCompleted {
		d.log.InfoContext(ctx, "dropping task for completed submission", "sid", task.SID)

		return nil, nil
	}

	task.Submission = submission

	return task, nil
}

// storeActiveTask caches the full task so later minimal wakeups resolve
// without a datastore round trip.
func (d *Dispatcher) storeActiveTask(task *models.SubmissionTask) error {
	encoded, marshalErr := store.Marshal(task)
	if marshalErr != nil {
		return marshalErr
	}

	return d.active.Set(task.SID, encoded)
}

// touchSubmission re-arms the submission watchdog so a wedged submission
// comes back through the submission queue after the timeout.
func (d *Dispatcher) touchSubmission(sid string) error {
	message, marshalErr := store.Marshal(models.SubmissionTask{SID: sid})
	if marshalErr != nil {
		return marshalErr
	}

	return d.watch.Touch(submissionWatchKey(sid), d.timeout, SubmissionQueue, message)
}

// cachedSchedule returns the file's cached schedule, building and caching
// it on first use with the file type from the datastore.
func (d *Dispatcher) cachedSchedule(ctx context.Context, h *DispatchHash, submission *models.Submission, sha256 string) ([][]string, error) {
	schedule, cached, getErr := h.ScheduleGet(sha256)
	if getErr != nil {
		return nil, getErr
	}

	if cached {
		return schedule, nil
	}

	info, infoErr := d.fileInfo(ctx, sha256)
	if infoErr != nil {
		return nil, infoErr
	}

	return d.cachedScheduleForType(ctx, h, submission, sha256, info.Type)
}

// cachedScheduleForType is cachedSchedule with the file type already in
// hand. Losing the write-once race re-reads the winner's schedule.
func (d *Dispatcher) cachedScheduleForType(ctx context.Context, h *DispatchHash, submission *models.Submission, sha256, fileType string) ([][]string, error) {
	schedule, cached, getErr := h.ScheduleGet(sha256)
	if getErr != nil {
		return nil, getErr
	}

	if cached {
		return schedule, nil
	}

	built, buildErr := d.scheduler.BuildSchedule(submission, fileType)
	if buildErr != nil {
		return nil, fmt.Errorf("build schedule for %s: %w", sha256, buildErr)
	}

	wrote, setErr := h.ScheduleSet(sha256, built)
	if setErr != nil {
		return nil, setErr
	}

	if wrote {
		return built, nil
	}

	schedule, cached, getErr = h.ScheduleGet(sha256)
	if getErr != nil {
		return nil, getErr
	}

	if !cached {
		return nil, fmt.Errorf("schedule for %s vanished after lost write race", sha256)
	}

	return schedule, nil
}

// fileInfo resolves file metadata, falling back to an unknown-typed stub
// when no record exists yet.
func (d *Dispatcher) fileInfo(ctx context.Context, sha256 string) (models.FileInfo, error) {
	info, found, getErr := d.ds.Files().Get(sha256)
	if getErr != nil {
		return models.FileInfo{}, fmt.Errorf("load file info %s: %w", sha256, getErr)
	}

	if !found {
		d.log.WarnContext(ctx, "no metadata for file, scheduling as unknown", "sha256", sha256)

		return models.FileInfo{SHA256: sha256, Type: typeUnknown}, nil
	}

	return *info, nil
}

// extractedChildren loads the result behind a finish record and returns the
// hashes it extracted. A missing result record contributes nothing.
func (d *Dispatcher) extractedChildren(ctx context.Context, record models.FinishRecord) ([]string, error) {
	if record.Key == "" {
		return nil, nil
	}

	result, found, getErr := d.ds.Results().Get(record.Key)
	if getErr != nil {
		return nil, fmt.Errorf("load result %s: %w", record.Key, getErr)
	}

	if !found {
		d.log.WarnContext(ctx, "finish record points at missing result", "key", record.Key)

		return nil, nil
	}

	children := make([]string, 0, len(result.Extracted))
	for _, ref := range result.Extracted {
		children = append(children, ref.SHA256)
	}

	return children, nil
}

// pushFileTask enqueues one file-level work item.
func (d *Dispatcher) pushFileTask(task models.FileTask) error {
	encoded, marshalErr := store.Marshal(task)
	if marshalErr != nil {
		return marshalErr
	}

	if pushErr := d.fileQueue.Push(encoded); pushErr != nil {
		return fmt.Errorf("push file queue: %w", pushErr)
	}

	return nil
}

// buildServiceConfig resolves the parameter map sent to a service worker:
// the catalog defaults overridden by the submission's service spec, rendered
// as plain JSON for cross-language workers.
func buildServiceConfig(service models.Service, submission *models.Submission) (string, error) {
	params := make(map[string]any, len(service.SubmissionParams))

	for _, param := range service.SubmissionParams {
		params[param.Name] = param.Default
	}

	for name, value := range submission.Params.ServiceSpec[service.Name] {
		params[name] = value
	}

	encoded, marshalErr := json.Marshal(params)
	if marshalErr != nil {
		return "", fmt.Errorf("encode service config for %s: %w", service.Name, marshalErr)
	}

	return string(encoded), nil
}

// submissionWatchKey is the watchdog key of one submission.
func submissionWatchKey(sid string) string {
	return "submission-" + sid
}
