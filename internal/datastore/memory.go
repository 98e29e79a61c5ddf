package datastore

import (
	"sync"

	"github.com/scanforge/scanforge/internal/models"
)

// Memory is a map-backed [Store] used by tests and single-node setups.
// All collections share one lock; contention is irrelevant at that scale.
type Memory struct {
	mu sync.RWMutex

	files       map[string]models.FileInfo
	submissions map[string]models.Submission
	results     map[string]models.Result
	errors      map[string]models.ServiceError
	services    map[string]models.Service
	fileScores  map[string]models.FileScore
}

// NewMemory creates an empty in-memory datastore.
func NewMemory() *Memory {
	return &Memory{
		files:       make(map[string]models.FileInfo),
		submissions: make(map[string]models.Submission),
		results:     make(map[string]models.Result),
		errors:      make(map[string]models.ServiceError),
		services:    make(map[string]models.Service),
		fileScores:  make(map[string]models.FileScore),
	}
}

// Files returns the file collection.
func (m *Memory) Files() Files { return (*memFiles)(m) }

// Submissions returns the submission collection.
func (m *Memory) Submissions() Submissions { return (*memSubmissions)(m) }

// Results returns the result collection.
func (m *Memory) Results() Results { return (*memResults)(m) }

// Errors returns the error collection.
func (m *Memory) Errors() Errors { return (*memErrors)(m) }

// Services returns the service catalog collection.
func (m *Memory) Services() Services { return (*memServices)(m) }

// FileScores returns the file score cache collection.
func (m *Memory) FileScores() FileScores { return (*memFileScores)(m) }

// AddFile stores file metadata.
func (m *Memory) AddFile(info models.FileInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[info.SHA256] = info
}

// AddService stores a catalog entry.
func (m *Memory) AddService(service models.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.services[service.Name] = service
}

type memFiles Memory

func (m *memFiles) Get(sha256 string) (*models.FileInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.files[sha256]
	if !ok {
		return nil, false, nil
	}

	return &info, true, nil
}

type memSubmissions Memory

func (m *memSubmissions) Get(sid string) (*models.Submission, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	submission, ok := m.submissions[sid]
	if !ok {
		return nil, false, nil
	}

	return &submission, true, nil
}

func (m *memSubmissions) Save(sid string, submission *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submissions[sid] = *submission

	return nil
}

type memResults Memory

func (m *memResults) Get(key string) (*models.Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result, ok := m.results[key]
	if !ok {
		return nil, false, nil
	}

	return &result, true, nil
}

func (m *memResults) Save(key string, result *models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[key] = *result

	return nil
}

type memErrors Memory

func (m *memErrors) Get(key string) (*models.ServiceError, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	serviceError, ok := m.errors[key]
	if !ok {
		return nil, false, nil
	}

	return &serviceError, true, nil
}

func (m *memErrors) Save(key string, serviceError *models.ServiceError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors[key] = *serviceError

	return nil
}

type memServices Memory

func (m *memServices) ListEnabled() ([]models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enabled := make([]models.Service, 0, len(m.services))

	for _, service := range m.services {
		if service.Enabled {
			enabled = append(enabled, service)
		}
	}

	return enabled, nil
}

type memFileScores Memory

func (m *memFileScores) Get(key string) (*models.FileScore, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score, ok := m.fileScores[key]
	if !ok {
		return nil, false, nil
	}

	return &score, true, nil
}

func (m *memFileScores) Save(key string, score models.FileScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileScores[key] = score

	return nil
}
