package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/scanforge/scanforge/internal/models"
	"github.com/scanforge/scanforge/internal/store"
)

// Field prefixes inside the per-submission dispatch hash. SHA256 digests
// and service names never contain the separator.
const (
	scheduleField = "schedule:"
	dispatchField = "dispatch:"
	finishField   = "finish:"
	tallyField    = "tally:"
	errorField    = "error:"

	fieldSep = ":"
)

// DispatchHash is the per-submission shared record coordinating all
// dispatcher workers: cached schedules, dispatch timestamps, finish
// records and the admitted file set. Every operation is a single-key store
// mutation, safe under concurrent retry from multiple workers.
type DispatchHash struct {
	sid   string
	data  store.Hash
	files store.Set
}

// NewDispatchHash opens the dispatch state for a submission, creating it
// lazily on first write.
func NewDispatchHash(sid string, s store.Store) *DispatchHash {
	return &DispatchHash{
		sid:   sid,
		data:  s.Hash("dispatch-hash-" + sid),
		files: s.Set("dispatch-files-" + sid),
	}
}

// ScheduleGet returns the cached schedule for a file, if one was written.
func (h *DispatchHash) ScheduleGet(sha256 string) ([][]string, bool, error) {
	raw, found, getErr := h.data.Get(scheduleField + sha256)
	if getErr != nil || !found {
		return nil, false, getErr
	}

	var stages [][]string

	decodeErr := store.Unmarshal(raw, &stages)
	if decodeErr != nil {
		return nil, false, decodeErr
	}

	return stages, true, nil
}

// ScheduleSet caches the schedule for a file. The first writer wins;
// returns whether this call was the writer.
func (h *DispatchHash) ScheduleSet(sha256 string, stages [][]string) (bool, error) {
	encoded, marshalErr := store.Marshal(stages)
	if marshalErr != nil {
		return false, marshalErr
	}

	return h.data.SetIfAbsent(scheduleField+sha256, encoded)
}

// ScheduleOverwrite replaces the cached schedule. Used only to truncate a
// schedule after a drop result; truncation is monotone, so concurrent
// writers converge.
func (h *DispatchHash) ScheduleOverwrite(sha256 string, stages [][]string) error {
	encoded, marshalErr := store.Marshal(stages)
	if marshalErr != nil {
		return marshalErr
	}

	return h.data.Set(scheduleField+sha256, encoded)
}

// DispatchTime returns when the (file, service) pair was last pushed to the
// service queue, or the zero time if never.
func (h *DispatchHash) DispatchTime(sha256, serviceName string) (time.Time, error) {
	raw, found, getErr := h.data.Get(dispatchField + sha256 + fieldSep + serviceName)
	if getErr != nil || !found {
		return time.Time{}, getErr
	}

	nanos, parseErr := strconv.ParseInt(string(raw), 10, 64)
	if parseErr != nil {
		return time.Time{}, nil
	}

	return time.Unix(0, nanos), nil
}

// Dispatch records that the (file, service) pair was pushed to its service
// queue at now. The per-file outstanding tally grows only on the first
// dispatch, so re-issues after the window do not double count.
func (h *DispatchHash) Dispatch(sha256, serviceName string, now time.Time) error {
	field := dispatchField + sha256 + fieldSep + serviceName
	value := []byte(strconv.FormatInt(now.UnixNano(), 10))

	wrote, setErr := h.data.SetIfAbsent(field, value)
	if setErr != nil {
		return setErr
	}

	if !wrote {
		return h.data.Set(field, value)
	}

	_, incrErr := h.data.Increment(tallyField+sha256, 1)

	return incrErr
}

// Finished returns the finish record of a (file, service) pair, if any.
func (h *DispatchHash) Finished(sha256, serviceName string) (models.FinishRecord, bool, error) {
	raw, found, getErr := h.data.Get(finishField + sha256 + fieldSep + serviceName)
	if getErr != nil || !found {
		return models.FinishRecord{}, false, getErr
	}

	var record models.FinishRecord

	decodeErr := store.Unmarshal(raw, &record)
	if decodeErr != nil {
		return models.FinishRecord{}, false, decodeErr
	}

	return record, true, nil
}

// Finish writes the terminal record for a (file, service) pair. The first
// record wins: a second call reports duplicate and changes nothing.
// Returns the number of dispatches still outstanding for the file.
func (h *DispatchHash) Finish(sha256, serviceName string, record models.FinishRecord) (int64, bool, error) {
	encoded, marshalErr := store.Marshal(record)
	if marshalErr != nil {
		return 0, false, marshalErr
	}

	wrote, setErr := h.data.SetIfAbsent(finishField+sha256+fieldSep+serviceName, encoded)
	if setErr != nil {
		return 0, false, setErr
	}

	if !wrote {
		return 0, true, nil
	}

	remaining, clearErr := h.clearDispatch(sha256, serviceName)

	return remaining, false, clearErr
}

// FailRecoverable clears the dispatch timestamp of a (file, service) pair
// without recording anything, so the next dispatch pass re-issues it
// immediately.
func (h *DispatchHash) FailRecoverable(sha256, serviceName string) error {
	_, clearErr := h.clearDispatch(sha256, serviceName)

	return clearErr
}

// FailNonrecoverable records a terminal error for a (file, service) pair.
func (h *DispatchHash) FailNonrecoverable(sha256, serviceName, errorKey string) (int64, bool, error) {
	return h.Finish(sha256, serviceName, models.FinishRecord{
		Bucket: models.BucketError,
		Key:    errorKey,
	})
}

// clearDispatch removes the dispatch timestamp and, when one existed,
// decrements the file's outstanding tally. Returns the tally.
func (h *DispatchHash) clearDispatch(sha256, serviceName string) (int64, error) {
	_, existed, popErr := h.data.Pop(dispatchField + sha256 + fieldSep + serviceName)
	if popErr != nil {
		return 0, popErr
	}

	delta := int64(0)
	if existed {
		delta = -1
	}

	return h.data.Increment(tallyField+sha256, delta)
}

// AddError records an error key once per submission; returns whether this
// call recorded it.
func (h *DispatchHash) AddError(errorKey string) (bool, error) {
	return h.data.SetIfAbsent(errorField+errorKey, []byte("1"))
}

// AddFile admits a file while the submission is under its file budget.
// Reports true when admitted or already admitted.
func (h *DispatchHash) AddFile(sha256 string, maxFiles int) (bool, error) {
	return h.files.AddLimit(sha256, int64(maxFiles))
}

// AllFiles returns every admitted file.
func (h *DispatchHash) AllFiles() ([]string, error) {
	return h.files.Members()
}

// FileCount returns the number of admitted files.
func (h *DispatchHash) FileCount() (int64, error) {
	return h.files.Card()
}

// AllResults snapshots every finish record, keyed by file then service.
func (h *DispatchHash) AllResults() (map[string]map[string]models.FinishRecord, error) {
	fields, getErr := h.data.GetAll()
	if getErr != nil {
		return nil, getErr
	}

	out := make(map[string]map[string]models.FinishRecord)

	for field, raw := range fields {
		if !strings.HasPrefix(field, finishField) {
			continue
		}

		sha256, serviceName, ok := strings.Cut(field[len(finishField):], fieldSep)
		if !ok {
			continue
		}

		var record models.FinishRecord
		if decodeErr := store.Unmarshal(raw, &record); decodeErr != nil {
			return nil, decodeErr
		}

		if out[sha256] == nil {
			out[sha256] = make(map[string]models.FinishRecord)
		}

		out[sha256][serviceName] = record
	}

	return out, nil
}

// AllErrors returns every error key recorded for the submission.
func (h *DispatchHash) AllErrors() ([]string, error) {
	fields, getErr := h.data.GetAll()
	if getErr != nil {
		return nil, getErr
	}

	var keys []string

	for field := range fields {
		if strings.HasPrefix(field, errorField) {
			keys = append(keys, field[len(errorField):])
		}
	}

	return keys, nil
}

// AllFinished reports whether every admitted file has a finish record for
// every service in every stage of its cached schedule. Files whose
// schedule is not cached yet count as unfinished.
func (h *DispatchHash) AllFinished() (bool, error) {
	files, filesErr := h.AllFiles()
	if filesErr != nil {
		return false, filesErr
	}

	fields, getErr := h.data.GetAll()
	if getErr != nil {
		return false, getErr
	}

	for _, sha256 := range files {
		raw, cached := fields[scheduleField+sha256]
		if !cached {
			return false, nil
		}

		var stages [][]string
		if decodeErr := store.Unmarshal(raw, &stages); decodeErr != nil {
			return false, decodeErr
		}

		for _, stage := range stages {
			for _, serviceName := range stage {
				if _, finished := fields[finishField+sha256+fieldSep+serviceName]; !finished {
					return false, nil
				}
			}
		}
	}

	return true, nil
}

// DispatchCount returns the number of outstanding dispatch timestamps.
func (h *DispatchHash) DispatchCount() (int64, error) {
	return h.countPrefix(dispatchField)
}

// FinishedCount returns the number of finish records.
func (h *DispatchHash) FinishedCount() (int64, error) {
	return h.countPrefix(finishField)
}

func (h *DispatchHash) countPrefix(prefix string) (int64, error) {
	fields, getErr := h.data.GetAll()
	if getErr != nil {
		return 0, getErr
	}

	var n int64

	for field := range fields {
		if strings.HasPrefix(field, prefix) {
			n++
		}
	}

	return n, nil
}

// Delete purges all dispatch state of the submission.
func (h *DispatchHash) Delete() error {
	dataErr := h.data.Delete()
	filesErr := h.files.Delete()

	if dataErr != nil {
		return dataErr
	}

	return filesErr
}
