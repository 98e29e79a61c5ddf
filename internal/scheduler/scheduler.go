package scheduler

import (
	"log/slog"
	"sort"

	"github.com/scanforge/scanforge/internal/models"
)

// Scheduler builds per-file schedules from the service catalog, submission
// parameters and file type.
type Scheduler struct {
	catalog *Catalog
	stages  []string
	log     *slog.Logger
}

// New creates a scheduler over the catalog with the configured ordered
// stage names.
func New(catalog *Catalog, stages []string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}

	return &Scheduler{catalog: catalog, stages: stages, log: log}
}

// Catalog returns the underlying service catalog.
func (s *Scheduler) Catalog() *Catalog {
	return s.catalog
}

// Stages returns the configured stage names in pipeline order.
func (s *Scheduler) Stages() []string {
	return s.stages
}

// BuildSchedule computes the ordered list of stages for one file: the
// services selected by the submission (every enabled service when the
// selection is empty), minus exclusions, plus the always-on system
// category, filtered by the service accept/reject patterns against the
// file type. Service names within a stage are sorted for determinism; they
// run in parallel anyway.
func (s *Scheduler) BuildSchedule(submission *models.Submission, fileType string) ([][]string, error) {
	all, svcErr := s.catalog.Services()
	if svcErr != nil {
		return nil, svcErr
	}

	excluded, expandErr := s.ExpandCategories(submission.Params.Services.Excluded)
	if expandErr != nil {
		return nil, expandErr
	}

	var selected []string

	if len(submission.Params.Services.Selected) == 0 {
		for name := range all {
			selected = append(selected, name)
		}
	} else {
		selected, expandErr = s.ExpandCategories(submission.Params.Services.Selected)
		if expandErr != nil {
			return nil, expandErr
		}
	}

	candidates := make(map[string]struct{}, len(selected))
	for _, name := range selected {
		candidates[name] = struct{}{}
	}

	for _, name := range excluded {
		delete(candidates, name)
	}

	// System services are mandatory and cannot be excluded.
	for name, service := range all {
		if service.Category == models.CategorySystem {
			candidates[name] = struct{}{}
		}
	}

	schedule := make([][]string, len(s.stages))
	stageIndex := make(map[string]int, len(s.stages))

	for i, stage := range s.stages {
		stageIndex[stage] = i
	}

	for name := range candidates {
		service, ok := all[name]
		if !ok {
			s.log.Warn("service configuration not found", "service", name)

			continue
		}

		if !s.accepts(service, fileType) {
			continue
		}

		idx, known := stageIndex[service.Stage]
		if !known {
			s.log.Warn("service declares unknown stage", "service", name, "stage", service.Stage)

			continue
		}

		schedule[idx] = append(schedule[idx], name)
	}

	for _, stage := range schedule {
		sort.Strings(stage)
	}

	return schedule, nil
}

// ExpandCategories replaces category names with their member service names,
// leaving plain service names untouched.
func (s *Scheduler) ExpandCategories(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	categories, catErr := s.catalog.Categories()
	if catErr != nil {
		return nil, catErr
	}

	pending := make([]string, len(names))
	copy(pending, names)

	found := make(map[string]struct{})
	seenCategories := make(map[string]struct{})

	for len(pending) > 0 {
		name := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if members, isCategory := categories[name]; isCategory {
			if _, seen := seenCategories[name]; !seen {
				seenCategories[name] = struct{}{}
				pending = append(pending, members...)
			}

			continue
		}

		found[name] = struct{}{}
	}

	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}

	sort.Strings(out)

	return out, nil
}

// accepts reports whether the service applies to the file type: the accepts
// pattern is empty or matches, and the rejects pattern is empty or does not
// match. Patterns are anchored at the start of the type string.
func (s *Scheduler) accepts(service models.Service, fileType string) bool {
	accepted := service.Accepts == "" || s.catalog.matchType(service.Accepts, fileType)
	rejected := service.Rejects != "" && s.catalog.matchType(service.Rejects, fileType)

	return accepted && !rejected
}
