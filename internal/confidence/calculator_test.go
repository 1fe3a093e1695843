package confidence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreWithDefaultWeights(t *testing.T) {
	c, err := New(DefaultWeights)
	require.NoError(t, err)

	result := c.Score(Input{
		Freshness:          1.0,
		SourceTrust:        1.0,
		SchemaValidity:     1.0,
		TelemetryAlignment: 1.0,
		UserOverrides:      1.0,
	})
	require.InDelta(t, 1.0, result.Value, 1e-9)
	require.Len(t, result.Breakdown, 5)
}

func TestScoreClampsOutOfRangeInputs(t *testing.T) {
	c, err := New(DefaultWeights)
	require.NoError(t, err)

	result := c.Score(Input{Freshness: 5, SourceTrust: -5})
	require.GreaterOrEqual(t, result.Value, 0.0)
	require.LessOrEqual(t, result.Value, 1.0)
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(Weights{Freshness: 0.5})
	require.Error(t, err)
}

func TestScoreZeroInputsGivesZero(t *testing.T) {
	c, err := New(DefaultWeights)
	require.NoError(t, err)
	result := c.Score(Input{})
	require.Equal(t, 0.0, result.Value)
}
