// Package datastore defines the metadata datastore collaborators of the
// dispatching core. The core only reads file, submission, result and
// service records and writes finalized submissions, error records and file
// scores; everything else about the datastore is out of scope.
package datastore

import "github.com/scanforge/scanforge/internal/models"

// Store bundles the collections the dispatcher touches.
type Store interface {
	Files() Files
	Submissions() Submissions
	Results() Results
	Errors() Errors
	Services() Services
	FileScores() FileScores
}

// Files resolves file metadata by content hash.
type Files interface {
	Get(sha256 string) (*models.FileInfo, bool, error)
}

// Submissions reads and writes submission records.
type Submissions interface {
	Get(sid string) (*models.Submission, bool, error)
	Save(sid string, submission *models.Submission) error
}

// Results reads and writes service result records.
type Results interface {
	Get(key string) (*models.Result, bool, error)
	Save(key string, result *models.Result) error
}

// Errors writes service error records.
type Errors interface {
	Get(key string) (*models.ServiceError, bool, error)
	Save(key string, serviceError *models.ServiceError) error
}

// Services lists the enabled entries of the service catalog.
type Services interface {
	ListEnabled() ([]models.Service, error)
}

// FileScores caches per-(file, parameters) aggregate scores.
type FileScores interface {
	Get(key string) (*models.FileScore, bool, error)
	Save(key string, score models.FileScore) error
}
