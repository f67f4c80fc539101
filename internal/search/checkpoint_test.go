package search

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cwsearch/internal/mcmc"
	"cwsearch/internal/prior"
	"cwsearch/pkg/contract"
)

func TestCheckpointRoundTripAndUsable(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, t.TempDir())
	fp := Fingerprint{
		Prior:      prior.Spec{"F0": prior.Free(prior.Distribution{Type: prior.Uniform, Lower: 1, Upper: 2}), "F2": prior.Fixed(0)},
		NSteps:     []int{10, 10},
		NWalkers:   4,
		NTemps:     1,
		ThetaKeys:  []string{"F0"},
		ScatterVal: 1e-4,
	}
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cp := Checkpoint{
		RunID:       "r",
		Fingerprint: fp,
		CreatedAt:   created,
		Samples:     SampleSet{Labels: []string{"F0"}, Samples: [][]float64{{1.5}}, LnProbs: []float64{math.Inf(-1)}, LnLikes: []float64{math.NaN()}},
		State:       mcmc.State{Betas: []float64{1}},
	}
	id := CheckpointID("c")
	require.NoError(t, SaveCheckpoint(ctx, st, id, cp))
	back, ok, err := LoadCheckpoint(ctx, st, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, math.IsInf(back.Samples.LnProbs[0], -1))
	assert.True(t, math.IsNaN(back.Samples.LnLikes[0]))
	require.NoError(t, back.Usable(fp, created.Add(-time.Hour), nil))
	require.NoError(t, back.Usable(fp, time.Time{}, nil))

	require.ErrorIs(t, back.Usable(fp, created.Add(time.Second), nil), contract.ErrCheckpointMismatch)

	other := fp
	other.ScatterVal = 1e-3
	other.Prior = prior.Spec{"F0": prior.Free(prior.Distribution{Type: prior.Uniform, Lower: 1, Upper: 3}), "F2": prior.Fixed(0)}
	diffs := fp.Diff(other)
	assert.Len(t, diffs, 2)
	assert.Contains(t, diffs, "prior")
	assert.Contains(t, diffs, "scatter_val")
	require.ErrorIs(t, back.Usable(other, time.Time{}, nil), contract.ErrCheckpointMismatch)

	_, ok, err = LoadCheckpoint(ctx, st, CheckpointID("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}
