package scheduler_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/internal/scheduler"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadCatalogFile_ValidYAML_ReturnsServices(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, `
services:
  - name: extract
    category: static
    stage: pre
    enabled: true
    timeout: 60
    accepts: "archive/.*"
    submission_params:
      - name: password
        default: ""
  - name: av-a
    category: av
    stage: core
    enabled: false
    timeout: 90
`)

	services, loadErr := scheduler.LoadCatalogFile(path)
	require.NoError(t, loadErr)
	require.Len(t, services, 2)

	assert.Equal(t, "extract", services[0].Name)
	assert.Equal(t, "archive/.*", services[0].Accepts)
	assert.Equal(t, 60, services[0].Timeout)
	assert.Len(t, services[0].SubmissionParams, 1)

	assert.False(t, services[1].Enabled)
}

func TestLoadCatalogFile_MissingRequiredField_Fails(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, `
services:
  - name: extract
    category: static
    stage: pre
`)

	_, loadErr := scheduler.LoadCatalogFile(path)
	assert.Error(t, loadErr)
}

func TestLoadCatalogFile_MissingFile_Fails(t *testing.T) {
	t.Parallel()

	_, loadErr := scheduler.LoadCatalogFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, loadErr)
}

func TestStaticServices_ListEnabled_ReturnsAll(t *testing.T) {
	t.Parallel()

	enabled, listErr := testCatalog().ListEnabled()
	require.NoError(t, listErr)
	assert.Len(t, enabled, len(testCatalog()))
}
