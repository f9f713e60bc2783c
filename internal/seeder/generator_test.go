package seeder

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/transferpipe/internal/ingest"
	"github.com/telhawk-systems/transferpipe/internal/model"
)

func TestGeneratedCSVDecodesCleanly(t *testing.T) {
	payload := New(42).CSV(50, 24*time.Hour)

	recs, err := ingest.NewDecoder(model.DefaultCSVMapping()).Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, recs, 50)
	for _, rec := range recs {
		assert.False(t, rec.Invalid, rec.Error)
		assert.NotEmpty(t, rec.Observation.Filename)
		assert.NotEmpty(t, rec.Observation.Status)
	}
}

func TestGeneratedNDJSONDecodesCleanly(t *testing.T) {
	payload := New(42).NDJSON(50, 24*time.Hour)

	recs, err := ingest.NewDecoder(model.DefaultJSONMapping()).Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, recs, 50)
	for _, rec := range recs {
		assert.False(t, rec.Invalid, rec.Error)
	}
}

func TestGeneratorStatusMixAndInvariants(t *testing.T) {
	gen := New(7)
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		obs := gen.Observation(24 * time.Hour)
		counts[obs.Status]++

		switch obs.Status {
		case model.StatusMissing:
			assert.False(t, obs.TargetPresent)
			assert.Nil(t, obs.AgeMinutes)
		default:
			assert.True(t, obs.TargetPresent)
			require.NotNil(t, obs.AgeMinutes)
			assert.Greater(t, *obs.AgeMinutes, 0.0)
		}
	}

	assert.Greater(t, counts[model.StatusOK], counts[model.StatusDelayed])
	assert.Greater(t, counts[model.StatusDelayed], 0)
	assert.Greater(t, counts[model.StatusMissing], 0)
}

func TestGeneratorIsReproducible(t *testing.T) {
	a := New(99).CSV(10, 0)
	b := New(99).CSV(10, 0)
	assert.Equal(t, a, b)
}
