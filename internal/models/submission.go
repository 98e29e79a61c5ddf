// Package models defines the data shapes shared by the dispatching core:
// submissions, service descriptors, file metadata, in-flight task envelopes
// and the records exchanged with the metadata datastore.
package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Submission states.
const (
	StateSubmitted = "submitted"
	StateCompleted = "completed"
)

// FileRef identifies one file attached to a submission.
type FileRef struct {
	SHA256 string `json:"sha256"`
	Name   string `json:"name,omitempty"`
}

// ServiceSelection holds the service names or category names a submitter
// selected or excluded. An empty Selected list means "all enabled services".
type ServiceSelection struct {
	Selected []string `json:"selected,omitempty"`
	Excluded []string `json:"excluded,omitempty"`
}

// SubmissionParams are the user-controlled knobs of a submission.
type SubmissionParams struct {
	Services        ServiceSelection          `json:"services"`
	ServiceSpec     map[string]map[string]any `json:"service_spec,omitempty"`
	MaxExtracted    int                       `json:"max_extracted"`
	IgnoreFiltering bool                      `json:"ignore_filtering"`
	Classification  string                    `json:"classification,omitempty"`
	QuotaItem       bool                      `json:"quota_item"`
	Submitter       string                    `json:"submitter,omitempty"`
	PSID            string                    `json:"psid,omitempty"`
}

// SubmissionTimes records lifecycle timestamps of a submission.
type SubmissionTimes struct {
	Submitted time.Time `json:"submitted,omitempty"`
	Completed time.Time `json:"completed,omitempty"`
}

// Submission is a user-level request to analyze a set of files. The core
// reads everything except the finalization fields, which it writes exactly
// once when every file has cleared every applicable stage.
type Submission struct {
	SID      string           `json:"sid"`
	Files    []FileRef        `json:"files"`
	Params   SubmissionParams `json:"params"`
	ExpiryTS time.Time        `json:"expiry_ts,omitempty"`

	// Finalization fields, written by the dispatcher.
	Classification string          `json:"classification,omitempty"`
	ErrorCount     int             `json:"error_count"`
	Errors         []string        `json:"errors,omitempty"`
	FileCount      int             `json:"file_count"`
	Results        []string        `json:"results,omitempty"`
	MaxScore       int             `json:"max_score"`
	State          string          `json:"state"`
	Times          SubmissionTimes `json:"times"`
}

// MaxFiles returns the total file budget of the submission: the root files
// plus the extraction allowance.
func (s *Submission) MaxFiles() int {
	return len(s.Files) + s.Params.MaxExtracted
}

// CreateFileScoreKey derives the stable key under which a file's aggregate
// score is cached. Two submissions with the same scheduling-relevant
// parameters share the key, so a previously scored file can be recognized.
func (p SubmissionParams) CreateFileScoreKey(sha256 string) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(sha256)

	writeSorted(digest, p.Services.Selected)
	writeSorted(digest, p.Services.Excluded)

	if p.IgnoreFiltering {
		_, _ = digest.WriteString("ignore_filtering")
	}

	specServices := make([]string, 0, len(p.ServiceSpec))
	for name := range p.ServiceSpec {
		specServices = append(specServices, name)
	}

	sort.Strings(specServices)

	for _, name := range specServices {
		_, _ = digest.WriteString(name)
		_, _ = fmt.Fprintf(digest, "%v", sortedSpec(p.ServiceSpec[name]))
	}

	return fmt.Sprintf("%s.v%d.%x", sha256, fileScoreVersion, digest.Sum64())
}

// fileScoreVersion invalidates cached file scores when the key derivation
// changes.
const fileScoreVersion = 1

func writeSorted(digest *xxhash.Digest, values []string) {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)

	for _, v := range sorted {
		_, _ = digest.WriteString(v)
	}
}

// sortedSpec renders a parameter map in deterministic key order.
func sortedSpec(spec map[string]any) []any {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, spec[k])
	}

	return out
}
