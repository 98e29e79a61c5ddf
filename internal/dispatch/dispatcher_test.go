package dispatch_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/internal/datastore"
	"github.com/scanforge/scanforge/internal/dispatch"
	"github.com/scanforge/scanforge/internal/models"
	"github.com/scanforge/scanforge/internal/scheduler"
	"github.com/scanforge/scanforge/internal/store"
	"github.com/scanforge/scanforge/internal/store/memstore"
)

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	shaC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	shaD = "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
)

// fakeClock is a manually advanced time source shared by the dispatcher and
// client under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type testEnv struct {
	t          *testing.T
	store      store.Store
	ds         *datastore.Memory
	dispatcher *dispatch.Dispatcher
	client     *dispatch.Client
	clock      *fakeClock
}

func newTestEnv(t *testing.T, services []models.Service, stages []string, maxDepth int) *testEnv {
	t.Helper()

	s, storeErr := memstore.New()
	require.NoError(t, storeErr)
	t.Cleanup(func() { _ = s.Close() })

	ds := datastore.NewMemory()
	for _, service := range services {
		ds.AddService(service)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := scheduler.NewCatalog(ds.Services(), 0, log)
	sched := scheduler.New(catalog, stages, log)

	clock := newFakeClock()

	d := dispatch.New(dispatch.Options{
		Store:              s,
		Datastore:          ds,
		Scheduler:          sched,
		Logger:             log,
		Timeout:            time.Minute,
		MaxExtractionDepth: maxDepth,
	})
	d.SetClockForTest(clock.Now)

	c := dispatch.NewClient(dispatch.ClientOptions{
		Store:              s,
		Datastore:          ds,
		Logger:             log,
		MaxExtractionDepth: maxDepth,
	})
	c.SetClockForTest(clock.Now)

	return &testEnv{t: t, store: s, ds: ds, dispatcher: d, client: c, clock: clock}
}

func (e *testEnv) addFile(sha256, fileType string) {
	e.ds.AddFile(models.FileInfo{SHA256: sha256, Type: fileType, Size: 1024})
}

// submit pushes the submission through the client and runs the first
// submission dispatch pass.
func (e *testEnv) submit(submission *models.Submission, completedQueue string) {
	e.t.Helper()

	ctx := context.Background()
	require.NoError(e.t, e.client.SubmitDispatch(ctx, submission, completedQueue))
	e.stepSubmission()
}

// stepSubmission pops one submission task and dispatches it.
func (e *testEnv) stepSubmission() {
	e.t.Helper()

	payload, popErr := e.store.Queue(dispatch.SubmissionQueue).Pop(0)
	require.NoError(e.t, popErr)
	require.NotNil(e.t, payload, "expected a submission task on the queue")

	var task models.SubmissionTask

	require.NoError(e.t, store.Unmarshal(payload, &task))
	require.NoError(e.t, e.dispatcher.DispatchSubmission(context.Background(), &task))
}

// stepFile pops one file task and dispatches it, returning the task.
func (e *testEnv) stepFile() models.FileTask {
	e.t.Helper()

	payload, popErr := e.store.Queue(dispatch.FileQueue).Pop(0)
	require.NoError(e.t, popErr)
	require.NotNil(e.t, payload, "expected a file task on the queue")

	var task models.FileTask

	require.NoError(e.t, store.Unmarshal(payload, &task))
	require.NoError(e.t, e.dispatcher.DispatchFile(context.Background(), &task))

	return task
}

// drainFiles dispatches every queued file task.
func (e *testEnv) drainFiles() {
	e.t.Helper()

	for {
		payload, popErr := e.store.Queue(dispatch.FileQueue).Pop(0)
		require.NoError(e.t, popErr)

		if payload == nil {
			return
		}

		var task models.FileTask

		require.NoError(e.t, store.Unmarshal(payload, &task))
		require.NoError(e.t, e.dispatcher.DispatchFile(context.Background(), &task))
	}
}

// drainWork finishes every checked-out task of a service with a plain
// result keyed by the file hash.
func (e *testEnv) drainWork(serviceName string) {
	e.t.Helper()

	for {
		task, workErr := e.client.RequestWork(context.Background(), serviceName, 0)
		require.NoError(e.t, workErr)

		if task == nil {
			return
		}

		e.finish(task, "k-"+task.FileInfo.SHA256, &models.Result{
			SHA256:      task.FileInfo.SHA256,
			ServiceName: serviceName,
		})
	}
}

// work checks a task out of a service queue.
func (e *testEnv) work(serviceName string) *models.ServiceTask {
	e.t.Helper()

	task, workErr := e.client.RequestWork(context.Background(), serviceName, 0)
	require.NoError(e.t, workErr)
	require.NotNil(e.t, task, "expected work on service queue %s", serviceName)

	return task
}

func (e *testEnv) finish(task *models.ServiceTask, key string, result *models.Result) {
	e.t.Helper()
	require.NoError(e.t, e.client.ServiceFinished(context.Background(), task, key, result))
}

func (e *testEnv) queueLen(name string) int64 {
	e.t.Helper()

	n, lenErr := e.store.Queue(name).Length()
	require.NoError(e.t, lenErr)

	return n
}

func oneServiceCatalog() []models.Service {
	return []models.Service{
		{Name: "sv1", Category: "av", Stage: "s1", Enabled: true, Timeout: 60},
	}
}

func simpleSubmission(sid string, shas ...string) *models.Submission {
	files := make([]models.FileRef, 0, len(shas))
	for i, sha256 := range shas {
		files = append(files, models.FileRef{SHA256: sha256, Name: fmt.Sprintf("file-%d", i)})
	}

	return &models.Submission{SID: sid, Files: files}
}

func TestDispatch_SingleFileOneService_CompletesSubmission(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	submission := simpleSubmission("S1", shaA)
	env.submit(submission, "completed-S1")

	fileTask := env.stepFile()
	assert.Equal(t, shaA, fileTask.FileInfo.SHA256)
	assert.Equal(t, 0, fileTask.Depth)

	task := env.work("sv1")
	require.Equal(t, "sv1", task.ServiceName)

	env.finish(task, "k1", &models.Result{
		SHA256:      shaA,
		ServiceName: "sv1",
		Score:       10,
	})

	// Finishing the last outstanding service wakes the file dispatcher.
	env.stepFile()

	scoreKey := submission.Params.CreateFileScoreKey(shaA)
	fileScore, found, scoreErr := env.ds.FileScores().Get(scoreKey)
	require.NoError(t, scoreErr)
	require.True(t, found)
	assert.Equal(t, 10, fileScore.Score)
	assert.Equal(t, 0, fileScore.Errors)
	assert.Equal(t, "S1", fileScore.SID)

	// The completed file pushed the submission back for finalization.
	env.stepSubmission()

	final, ok, getErr := env.ds.Submissions().Get("S1")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, []string{"k1"}, final.Results)
	assert.Equal(t, 0, final.ErrorCount)
	assert.Equal(t, 10, final.MaxScore)
	assert.Equal(t, 1, final.FileCount)
	assert.False(t, final.Times.Completed.IsZero())

	assert.Equal(t, int64(1), env.queueLen("completed-S1"))
}

func TestDispatch_DropResult_SkipsLaterStages(t *testing.T) {
	t.Parallel()

	services := []models.Service{
		{Name: "sv1", Category: "av", Stage: "s1", Enabled: true, Timeout: 60},
		{Name: "sv2", Category: "av", Stage: "s2", Enabled: true, Timeout: 60},
	}

	env := newTestEnv(t, services, []string{"s1", "s2"}, 6)
	env.addFile(shaA, "document/pdf")

	env.submit(simpleSubmission("S2", shaA), "")
	env.stepFile()

	// Only the first stage goes out.
	assert.Equal(t, int64(1), env.queueLen(dispatch.ServiceQueueName("sv1")))
	assert.Equal(t, int64(0), env.queueLen(dispatch.ServiceQueueName("sv2")))

	task := env.work("sv1")
	env.finish(task, "k1", &models.Result{
		SHA256:      shaA,
		ServiceName: "sv1",
		Score:       5,
		DropFile:    true,
	})

	env.stepFile()

	// The drop truncated the schedule; sv2 never runs.
	assert.Equal(t, int64(0), env.queueLen(dispatch.ServiceQueueName("sv2")))

	env.stepSubmission()

	final, ok, getErr := env.ds.Submissions().Get("S2")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, 5, final.MaxScore)
}

func TestDispatch_DropWithIgnoreFiltering_RunsLaterStages(t *testing.T) {
	t.Parallel()

	services := []models.Service{
		{Name: "sv1", Category: "av", Stage: "s1", Enabled: true, Timeout: 60},
		{Name: "sv2", Category: "av", Stage: "s2", Enabled: true, Timeout: 60},
	}

	env := newTestEnv(t, services, []string{"s1", "s2"}, 6)
	env.addFile(shaA, "document/pdf")

	submission := simpleSubmission("S11", shaA)
	submission.Params.IgnoreFiltering = true
	env.submit(submission, "")
	env.stepFile()

	task := env.work("sv1")
	env.finish(task, "k1", &models.Result{
		SHA256:      shaA,
		ServiceName: "sv1",
		Score:       5,
		DropFile:    true,
	})

	env.stepFile()

	// The drop verdict is ignored; the second stage still goes out.
	require.Equal(t, int64(1), env.queueLen(dispatch.ServiceQueueName("sv2")))

	task = env.work("sv2")
	env.finish(task, "k2", &models.Result{SHA256: shaA, ServiceName: "sv2", Score: 2})
	env.stepFile()
	env.stepSubmission()

	final, ok, getErr := env.ds.Submissions().Get("S11")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.ElementsMatch(t, []string{"k1", "k2"}, final.Results)
}

func TestDispatch_ExtractionDepthCap_RefusesDeepChildren(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 2)
	env.addFile(shaA, "archive/zip")
	env.addFile(shaB, "archive/zip")
	env.addFile(shaC, "archive/zip")

	submission := simpleSubmission("S3", shaA)
	submission.Params.MaxExtracted = 10
	env.submit(submission, "")

	fileTask := env.stepFile()
	require.Equal(t, 0, fileTask.Depth)

	// A extracts B.
	task := env.work("sv1")
	env.finish(task, "kA", &models.Result{
		SHA256:      shaA,
		ServiceName: "sv1",
		Extracted:   []models.FileRef{{SHA256: shaB}},
	})

	childTask := env.stepFile()
	require.Equal(t, shaB, childTask.FileInfo.SHA256)
	assert.Equal(t, 1, childTask.Depth)
	assert.Equal(t, shaA, childTask.ParentHash)

	// B extracts C, which would land at the depth limit and is refused.
	task = env.work("sv1")
	require.Equal(t, shaB, task.FileInfo.SHA256)
	env.finish(task, "kB", &models.Result{
		SHA256:      shaB,
		ServiceName: "sv1",
		Extracted:   []models.FileRef{{SHA256: shaC}},
	})

	hash := dispatch.NewDispatchHash("S3", env.store)
	files, filesErr := hash.AllFiles()
	require.NoError(t, filesErr)
	assert.ElementsMatch(t, []string{shaA, shaB}, files)

	// The refusal left an error record behind.
	errors, errorsErr := hash.AllErrors()
	require.NoError(t, errorsErr)
	assert.Len(t, errors, 1)
}

func TestDispatch_RecoveryPass_KeepsDepthRefusals(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 2)
	env.addFile(shaA, "archive/zip")
	env.addFile(shaB, "archive/zip")
	env.addFile(shaC, "archive/zip")

	submission := simpleSubmission("S12", shaC)
	submission.Params.MaxExtracted = 10
	env.submit(submission, "")
	env.stepFile()

	// C extracts B.
	task := env.work("sv1")
	env.finish(task, "kC", &models.Result{
		SHA256:      shaC,
		ServiceName: "sv1",
		Extracted:   []models.FileRef{{SHA256: shaB}},
	})

	env.stepFile()

	// B extracts A, which the depth limit refuses.
	task = env.work("sv1")
	require.Equal(t, shaB, task.FileInfo.SHA256)
	env.finish(task, "kB", &models.Result{
		SHA256:      shaB,
		ServiceName: "sv1",
		Extracted:   []models.FileRef{{SHA256: shaA}},
	})

	// A full submission pass walks the finish records again; the refused
	// file must stay out no matter what order the admitted set comes back
	// in.
	require.NoError(t, env.dispatcher.DispatchSubmission(context.Background(),
		&models.SubmissionTask{SID: "S12"}))

	for {
		payload, popErr := env.store.Queue(dispatch.FileQueue).Pop(0)
		require.NoError(t, popErr)

		if payload == nil {
			break
		}

		var fileTask models.FileTask

		require.NoError(t, store.Unmarshal(payload, &fileTask))
		assert.NotEqual(t, shaA, fileTask.FileInfo.SHA256)
	}

	final, ok, getErr := env.ds.Submissions().Get("S12")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, 2, final.FileCount)
	assert.Len(t, final.Errors, 1)
}

func TestDispatch_ExtractionBudget_AdmitsUpToMaxFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	for _, sha256 := range []string{shaA, shaB, shaC, shaD} {
		env.addFile(sha256, "archive/zip")
	}

	submission := simpleSubmission("S4", shaA)
	submission.Params.MaxExtracted = 2
	env.submit(submission, "")
	env.stepFile()

	extracted := []models.FileRef{
		{SHA256: shaB}, {SHA256: shaC}, {SHA256: shaD},
		{SHA256: "eeee"}, {SHA256: "ffff"},
	}

	task := env.work("sv1")
	env.finish(task, "kA", &models.Result{SHA256: shaA, ServiceName: "sv1", Extracted: extracted})

	hash := dispatch.NewDispatchHash("S4", env.store)
	count, countErr := hash.FileCount()
	require.NoError(t, countErr)
	assert.Equal(t, int64(3), count)

	// Finish the two admitted children and drive the submission home.
	env.drainFiles()
	env.drainWork("sv1")
	env.drainFiles()
	env.stepSubmission()

	final, ok, getErr := env.ds.Submissions().Get("S4")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, 3, final.FileCount)
}

func TestDispatch_TimeoutElapsed_ReissuesServiceTask(t *testing.T) {
	t.Parallel()

	services := []models.Service{
		{Name: "sv1", Category: "av", Stage: "s1", Enabled: true, Timeout: 30},
	}

	env := newTestEnv(t, services, []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	env.submit(simpleSubmission("S5", shaA), "")
	fileTask := env.stepFile()

	queue := dispatch.ServiceQueueName("sv1")
	require.Equal(t, int64(1), env.queueLen(queue))

	hash := dispatch.NewDispatchHash("S5", env.store)
	firstDispatch, timeErr := hash.DispatchTime(shaA, "sv1")
	require.NoError(t, timeErr)
	require.False(t, firstDispatch.IsZero())

	// Within the window nothing new goes out.
	require.NoError(t, env.dispatcher.DispatchFile(context.Background(), &fileTask))
	assert.Equal(t, int64(1), env.queueLen(queue))

	// Past the window the task is re-issued and the timestamp moves.
	env.clock.Advance(40 * time.Second)
	require.NoError(t, env.dispatcher.DispatchFile(context.Background(), &fileTask))
	assert.Equal(t, int64(2), env.queueLen(queue))

	secondDispatch, timeErr := hash.DispatchTime(shaA, "sv1")
	require.NoError(t, timeErr)
	assert.True(t, secondDispatch.After(firstDispatch))
}

func TestDispatch_ErrorFinish_RecordedInErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	env.submit(simpleSubmission("S6", shaA), "")
	env.stepFile()

	task := env.work("sv1")
	serviceError := &models.ServiceError{
		SHA256:      shaA,
		ServiceName: "sv1",
		Status:      models.StatusFailNonrecoverable,
		Message:     "analyzer crashed",
	}
	errorKey := serviceError.Key()

	require.NoError(t, env.client.ServiceFailed(context.Background(), task, errorKey, serviceError))

	env.stepFile()
	env.stepSubmission()

	final, ok, getErr := env.ds.Submissions().Get("S6")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, 1, final.ErrorCount)
	assert.Equal(t, []string{errorKey}, final.Errors)
	assert.Empty(t, final.Results)
}

func TestDispatch_SubmissionPassTwice_IsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	env.submit(simpleSubmission("S7", shaA), "")

	// Run the same minimal wakeup again with no service activity.
	task := models.SubmissionTask{SID: "S7"}
	require.NoError(t, env.dispatcher.DispatchSubmission(context.Background(), &task))

	// Both passes queue the pending file, but the service task only goes
	// out once inside the dispatch window.
	env.stepFile()
	env.stepFile()
	assert.Equal(t, int64(1), env.queueLen(dispatch.ServiceQueueName("sv1")))
}

func TestDispatch_RecoverableFailure_ReissuesAfterWindow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	env.submit(simpleSubmission("S8", shaA), "")
	env.stepFile()

	task := env.work("sv1")
	require.NoError(t, env.client.ServiceFailed(context.Background(), task, "", &models.ServiceError{
		SHA256:      shaA,
		ServiceName: "sv1",
		Status:      models.StatusFailRecoverable,
		Message:     "transient",
	}))

	// The dispatch record was cleared, so the next pass re-issues
	// immediately, without waiting out the window.
	env.stepFile()
	assert.Equal(t, int64(1), env.queueLen(dispatch.ServiceQueueName("sv1")))

	nextTask := env.work("sv1")
	env.finish(nextTask, "k1", &models.Result{SHA256: shaA, ServiceName: "sv1", Score: 3})

	env.stepFile()
	env.stepSubmission()

	final, ok, getErr := env.ds.Submissions().Get("S8")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, 3, final.MaxScore)
}

func TestDispatch_Finalize_TearsDownDispatchState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	submission := simpleSubmission("S9", shaA)
	submission.Params.QuotaItem = true
	submission.Params.Submitter = "alice"

	env.submit(submission, "")
	env.stepFile()

	task := env.work("sv1")
	env.finish(task, "k1", &models.Result{SHA256: shaA, ServiceName: "sv1"})
	env.stepFile()
	env.stepSubmission()

	hash := dispatch.NewDispatchHash("S9", env.store)
	files, filesErr := hash.AllFiles()
	require.NoError(t, filesErr)
	assert.Empty(t, files)

	results, resultsErr := hash.AllResults()
	require.NoError(t, resultsErr)
	assert.Empty(t, results)

	// The quota slot was released.
	held, quotaErr := env.store.Hash("submissions-alice").Exists("S9")
	require.NoError(t, quotaErr)
	assert.False(t, held)
}

func TestDispatch_QuotaStamp_RefreshedEachPass(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	submission := simpleSubmission("S13", shaA)
	submission.Params.QuotaItem = true
	submission.Params.Submitter = "bob"
	env.submit(submission, "")

	quota := env.store.Hash("submissions-bob")

	raw, found, getErr := quota.Get("S13")
	require.NoError(t, getErr)
	require.True(t, found)

	first, parseErr := time.Parse(time.RFC3339, string(raw))
	require.NoError(t, parseErr)

	env.clock.Advance(time.Minute)
	require.NoError(t, env.dispatcher.DispatchSubmission(context.Background(),
		&models.SubmissionTask{SID: "S13"}))

	raw, found, getErr = quota.Get("S13")
	require.NoError(t, getErr)
	require.True(t, found)

	second, parseErr := time.Parse(time.RFC3339, string(raw))
	require.NoError(t, parseErr)
	assert.True(t, second.After(first))
}

func TestDispatch_WatchQueue_ReceivesLifecycleMessages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, oneServiceCatalog(), []string{"s1"}, 6)
	env.addFile(shaA, "document/pdf")

	env.submit(simpleSubmission("S10", shaA), "")

	ctx := context.Background()
	require.NoError(t, env.client.SetupWatchQueue(ctx, "S10", "watch-S10"))

	env.stepFile()
	task := env.work("sv1")
	env.finish(task, "k1", &models.Result{SHA256: shaA, ServiceName: "sv1", Score: 1})
	env.stepFile()
	env.stepSubmission()

	var statuses []string

	for {
		payload, popErr := env.store.Queue("watch-S10").Pop(0)
		require.NoError(t, popErr)

		if payload == nil {
			break
		}

		var message models.WatchQueueMessage

		require.NoError(t, store.Unmarshal(payload, &message))
		statuses = append(statuses, message.Status)
	}

	assert.Equal(t, []string{
		models.WatchStatusStart,
		models.WatchStatusOK,
		models.WatchStatusStop,
	}, statuses)
}
