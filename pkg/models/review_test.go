package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfp-ignite/reviewd/pkg/apperror"
)

func strPtr(s string) *string { return &s }

func TestNewOverrideSet(t *testing.T) {
	t.Run("keyed by line_id", func(t *testing.T) {
		set, err := NewOverrideSet([]LineOverride{
			{LineID: "L1"},
			{LineID: "L2", ApprovedSKU: strPtr("SKU-1")},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, set.Len())

		o, ok := set.Get("L2")
		require.True(t, ok)
		assert.Equal(t, "SKU-1", *o.ApprovedSKU)

		_, ok = set.Get("L3")
		assert.False(t, ok)
	})

	t.Run("duplicate line_id rejected", func(t *testing.T) {
		_, err := NewOverrideSet([]LineOverride{
			{LineID: "L1"},
			{LineID: "L1"},
		})
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation))
		assert.Contains(t, err.Error(), "L1")
	})

	t.Run("missing line_id rejected", func(t *testing.T) {
		_, err := NewOverrideSet([]LineOverride{{}})
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	})

	t.Run("empty set is valid", func(t *testing.T) {
		set, err := NewOverrideSet(nil)
		require.NoError(t, err)
		assert.Equal(t, 0, set.Len())
	})
}

func TestLineOverride_HasSKU(t *testing.T) {
	assert.False(t, (&LineOverride{}).HasSKU())
	// Empty string is the pending-manual-entry sentinel.
	assert.False(t, (&LineOverride{ApprovedSKU: strPtr("")}).HasSKU())
	assert.True(t, (&LineOverride{ApprovedSKU: strPtr("SKU-1")}).HasSKU())
}

func TestGlobalOverrides_ExclusionSet(t *testing.T) {
	var g GlobalOverrides
	assert.Nil(t, g.ExclusionSet())

	g.TestExclusions = []string{"T1", "T2"}
	set := g.ExclusionSet()
	assert.Len(t, set, 2)
	_, ok := set["T1"]
	assert.True(t, ok)
}
