// Package scheduler computes per-file execution plans: which services run
// on a file, partitioned into the configured ordered stages.
package scheduler

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/scanforge/scanforge/internal/datastore"
	"github.com/scanforge/scanforge/internal/models"
)

// defaultRefresh bounds how stale a catalog snapshot may get before the
// next read refetches it.
const defaultRefresh = 5 * time.Minute

// Catalog is a refreshing snapshot of the enabled service catalog. The
// snapshot is the only coordination state allowed to live outside the
// remote store, so schedules stay reproducible within a refresh window.
type Catalog struct {
	services datastore.Services
	refresh  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	snapshot map[string]models.Service
	fetched  time.Time

	patternMu sync.Mutex
	patterns  map[string]*regexp.Regexp
}

// NewCatalog creates a catalog over the given service collection. A zero
// refresh uses the default window.
func NewCatalog(services datastore.Services, refresh time.Duration, log *slog.Logger) *Catalog {
	if refresh <= 0 {
		refresh = defaultRefresh
	}

	if log == nil {
		log = slog.Default()
	}

	return &Catalog{
		services: services,
		refresh:  refresh,
		log:      log,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Services returns the current snapshot keyed by service name, refetching
// when the snapshot is older than the refresh window.
func (c *Catalog) Services() (map[string]models.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && time.Since(c.fetched) < c.refresh {
		return c.snapshot, nil
	}

	enabled, listErr := c.services.ListEnabled()
	if listErr != nil {
		if c.snapshot != nil {
			// A stale snapshot beats no snapshot.
			c.log.Warn("service catalog refresh failed, keeping stale snapshot", "error", listErr)

			return c.snapshot, nil
		}

		return nil, fmt.Errorf("list services: %w", listErr)
	}

	snapshot := make(map[string]models.Service, len(enabled))
	for _, service := range enabled {
		snapshot[service.Name] = service
	}

	c.snapshot = snapshot
	c.fetched = time.Now()

	return c.snapshot, nil
}

// Service looks up one service in the current snapshot.
func (c *Catalog) Service(name string) (models.Service, bool, error) {
	services, svcErr := c.Services()
	if svcErr != nil {
		return models.Service{}, false, svcErr
	}

	service, ok := services[name]

	return service, ok, nil
}

// Categories maps each category name to its member service names.
func (c *Catalog) Categories() (map[string][]string, error) {
	services, svcErr := c.Services()
	if svcErr != nil {
		return nil, svcErr
	}

	categories := make(map[string][]string)
	for _, service := range services {
		categories[service.Category] = append(categories[service.Category], service.Name)
	}

	return categories, nil
}

// matchType evaluates a type pattern anchored at the start of fileType. An
// unparsable pattern matches nothing and is reported once per pattern.
func (c *Catalog) matchType(pattern, fileType string) bool {
	if pattern == "" {
		return false
	}

	c.patternMu.Lock()
	compiled, seen := c.patterns[pattern]

	if !seen {
		var compileErr error

		compiled, compileErr = regexp.Compile("^(?:" + pattern + ")")
		if compileErr != nil {
			c.log.Warn("invalid service type pattern", "pattern", pattern, "error", compileErr)
			compiled = nil
		}

		c.patterns[pattern] = compiled
	}
	c.patternMu.Unlock()

	if compiled == nil {
		return false
	}

	return compiled.MatchString(fileType)
}
