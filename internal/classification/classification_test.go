package classification_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scanforge/scanforge/internal/classification"
)

func TestEngine_Max_PicksMoreRestrictive(t *testing.T) {
	t.Parallel()

	e := classification.NewEngine(nil)

	assert.Equal(t, "SECRET", e.Max("RESTRICTED", "SECRET"))
	assert.Equal(t, "SECRET", e.Max("SECRET", "RESTRICTED"))
	assert.Equal(t, "RESTRICTED", e.Max("RESTRICTED", "RESTRICTED"))
}

func TestEngine_Max_UnknownLabelNeverRaises(t *testing.T) {
	t.Parallel()

	e := classification.NewEngine(nil)

	assert.Equal(t, "UNRESTRICTED", e.Max("UNRESTRICTED", "NO-SUCH-LEVEL"))
}

func TestEngine_Fold_ReducesToMostRestrictive(t *testing.T) {
	t.Parallel()

	e := classification.NewEngine(nil)

	folded := e.Fold(e.Minimum(), []string{"RESTRICTED", "CONFIDENTIAL", "UNRESTRICTED"})
	assert.Equal(t, "CONFIDENTIAL", folded)
}

func TestEngine_Fold_EmptyLabels_KeepsBase(t *testing.T) {
	t.Parallel()

	e := classification.NewEngine(nil)

	assert.Equal(t, "RESTRICTED", e.Fold("RESTRICTED", nil))
}

func TestEngine_CustomLevels_OverrideDefaults(t *testing.T) {
	t.Parallel()

	e := classification.NewEngine([]string{"green", "amber", "red"})

	assert.Equal(t, "green", e.Minimum())
	assert.Equal(t, "red", e.Max("amber", "red"))
}
