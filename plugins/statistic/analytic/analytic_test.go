package analytic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cwsearch/internal/glitch"
	"cwsearch/pkg/contract"
)

const (
	t0  = 1000000000.0
	day = 86400.0
)

func TestStatisticPeaksAtSignal(t *testing.T) {
	e, err := New(&Options{F0: 30, F1: -1e-10, Alpha: 1, Delta: 0.5, Tref: t0})
	require.NoError(t, err)
	iv := contract.Interval{Start: t0, End: t0 + 10*day}
	on, err := e.Statistic(context.Background(), iv, contract.Doppler{
		Fkdot: contract.ParameterVector{0, 30, -1e-10, 0},
		Sky:   contract.SkyPosition{Alpha: 1, Delta: 0.5},
	})
	require.NoError(t, err)
	assert.InDelta(t, 4+1e-4*10*day, on, 1e-9)

	off, err := e.Statistic(context.Background(), iv, contract.Doppler{
		Fkdot: contract.ParameterVector{0, 30 + 1e-5, -1e-10, 0},
		Sky:   contract.SkyPosition{Alpha: 1, Delta: 0.5},
	})
	require.NoError(t, err)
	assert.Less(t, off, on)
	assert.GreaterOrEqual(t, off, 4.0)

	zero, err := e.Statistic(context.Background(), contract.Interval{Start: t0, End: t0}, contract.Doppler{Fkdot: contract.ParameterVector{0, 30}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, zero)
}

// 注入 glitch 时，分段评估器在真值处恢复全部信号
func TestGlitchSignalRecoveredBySegments(t *testing.T) {
	tg := t0 + 40*day
	e, err := New(&Options{F0: 30, F1: -1e-10, Tref: t0, Glitches: []Glitch{{Tglitch: tg, DeltaF0: 1e-6, DeltaF1: -1e-13}}})
	require.NoError(t, err)
	ge := &glitch.Evaluator{Inner: e, Tref: t0, Tstart: t0, Tend: t0 + 100*day, NGlitch: 1}
	truth, err := ge.Statistic(context.Background(), []float64{30, -1e-10, 0, 0, 0, 1e-6, -1e-13, tg})
	require.NoError(t, err)
	assert.InDelta(t, 8+1e-4*100*day, truth, 1e-6)

	noJump, err := ge.Statistic(context.Background(), []float64{30, -1e-10, 0, 0, 0, 0, 0, tg})
	require.NoError(t, err)
	assert.Less(t, noJump, truth)
}

func TestOptionsValidation(t *testing.T) {
	_, err := New(&Options{Depth: -1})
	require.ErrorIs(t, err, contract.ErrConfig)
	_, err = New(&Options{MinCoverFreq: 40, MaxCoverFreq: 30})
	require.ErrorIs(t, err, contract.ErrConfig)

	e, err := New(&Options{F0: 30, MinCoverFreq: 29, MaxCoverFreq: 31})
	require.NoError(t, err)
	_, err = e.Statistic(context.Background(), contract.Interval{Start: 0, End: 1}, contract.Doppler{Fkdot: contract.ParameterVector{0, 35}})
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = e.Statistic(context.Background(), contract.Interval{Start: 1, End: 0}, contract.Doppler{Fkdot: contract.ParameterVector{0, 30}})
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = e.Statistic(context.Background(), contract.Interval{Start: 0, End: 1}, contract.Doppler{})
	require.ErrorIs(t, err, contract.ErrInvalidInput)
}
