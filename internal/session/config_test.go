package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_JSON(t *testing.T) {
	var b Budget
	require.NoError(t, json.Unmarshal([]byte(`{"max_iterations":5,"max_wall_clock":"1h30m"}`), &b))
	assert.Equal(t, 5, b.MaxIterations)
	assert.Equal(t, Duration(90*time.Minute), b.MaxWallClock)

	require.NoError(t, json.Unmarshal([]byte(`{"max_wall_clock":45}`), &b))
	assert.Equal(t, Duration(45*time.Second), b.MaxWallClock)

	assert.Error(t, json.Unmarshal([]byte(`{"max_wall_clock":"soon"}`), &b))

	data, err := json.Marshal(Budget{MaxWallClock: Duration(2 * time.Minute)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_wall_clock":"2m0s"}`, string(data))
}

func TestRetryPolicy_Defaults(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, DefaultMaxRetries, p.Retries())
	assert.Equal(t, DefaultFailureCeiling, p.Ceiling())

	zero := 0
	p.MaxRetries = &zero
	assert.Equal(t, 0, p.Retries(), "zero retries is explicit, not a default")
}

func TestConfig_WithDefaultsDoesNotAlias(t *testing.T) {
	cfg := scenarioConfig("alias")
	out := cfg.withDefaults()
	out.AlgorithmParams["floor"] = 99
	out.ParameterSpace[0].Upper = 99

	assert.Equal(t, 0.01, cfg.AlgorithmParams["floor"])
	assert.Equal(t, 10.0, cfg.ParameterSpace[0].Upper)
	require.NotNil(t, out.Retry.MaxRetries)
	assert.Nil(t, cfg.Retry.MaxRetries)
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusConverged, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusCreated, StatusProposing, StatusAwaitingEvaluation, StatusUpdating} {
		assert.False(t, s.IsTerminal(), s)
	}
}
