package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scanforge/scanforge/internal/models"
)

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestMaxFiles_AddsExtractionAllowance(t *testing.T) {
	t.Parallel()

	submission := models.Submission{
		Files:  []models.FileRef{{SHA256: testSHA}, {SHA256: "b"}},
		Params: models.SubmissionParams{MaxExtracted: 5},
	}

	assert.Equal(t, 7, submission.MaxFiles())
}

func TestCreateFileScoreKey_IgnoresSelectionOrder(t *testing.T) {
	t.Parallel()

	a := models.SubmissionParams{
		Services: models.ServiceSelection{Selected: []string{"sv1", "sv2"}},
	}
	b := models.SubmissionParams{
		Services: models.ServiceSelection{Selected: []string{"sv2", "sv1"}},
	}

	assert.Equal(t, a.CreateFileScoreKey(testSHA), b.CreateFileScoreKey(testSHA))
}

func TestCreateFileScoreKey_ChangesWithSchedulingParams(t *testing.T) {
	t.Parallel()

	base := models.SubmissionParams{
		Services: models.ServiceSelection{Selected: []string{"sv1"}},
	}
	baseKey := base.CreateFileScoreKey(testSHA)

	withExclusion := base
	withExclusion.Services.Excluded = []string{"sv2"}
	assert.NotEqual(t, baseKey, withExclusion.CreateFileScoreKey(testSHA))

	withFiltering := base
	withFiltering.IgnoreFiltering = true
	assert.NotEqual(t, baseKey, withFiltering.CreateFileScoreKey(testSHA))

	withSpec := base
	withSpec.ServiceSpec = map[string]map[string]any{"sv1": {"deep": true}}
	assert.NotEqual(t, baseKey, withSpec.CreateFileScoreKey(testSHA))
}

func TestCreateFileScoreKey_IncludesFileHash(t *testing.T) {
	t.Parallel()

	params := models.SubmissionParams{}

	assert.NotEqual(t, params.CreateFileScoreKey(testSHA), params.CreateFileScoreKey("other"))
	assert.Contains(t, params.CreateFileScoreKey(testSHA), testSHA)
}

func TestServiceTaskKey_IsStable(t *testing.T) {
	t.Parallel()

	task := models.ServiceTask{
		SID:         "S1",
		ServiceName: "sv1",
		FileInfo:    models.FileInfo{SHA256: testSHA},
	}

	assert.Equal(t, models.ServiceTaskKey("S1", "sv1", testSHA), task.Key())
}

func TestServiceErrorKey_DependsOnTypeAndMessage(t *testing.T) {
	t.Parallel()

	a := models.ServiceError{SHA256: testSHA, ServiceName: "sv1", Message: "boom"}
	b := models.ServiceError{SHA256: testSHA, ServiceName: "sv1", Message: "bang"}

	assert.NotEqual(t, a.Key(), b.Key())
}
