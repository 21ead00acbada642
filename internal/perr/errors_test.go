package perr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, CategoryTransient, CodeTransientIO, "fetch failed")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestPipelineError_Is_MatchesByCode(t *testing.T) {
	a := NewUnknownBuild("b1")
	b := NewUnknownBuild("b2")
	assert.True(t, errors.Is(a, b), "two PipelineErrors with the same code should match via Is")
}

func TestAs_ExtractsPipelineError(t *testing.T) {
	err := NewConcurrentRolloutLimit(3)
	pe := As(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeConcurrentRolloutLimit, pe.Code)
	assert.Equal(t, CategoryCapacity, pe.Category)
}

func TestIsCode(t *testing.T) {
	err := NewBelowThreshold(0.95, 0.5)
	assert.True(t, IsCode(err, CodeBelowThreshold))
	assert.False(t, IsCode(err, CodeCanaryRequired))
}

func TestToErrorResponse_NonPipelineError(t *testing.T) {
	resp := ToErrorResponse(errors.New("some internal detail"))
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
	assert.NotContains(t, resp.Error, "internal detail")
}

func TestToErrorResponse_PipelineError(t *testing.T) {
	err := NewUnknownRollout("r1").WithDetail("extra", "x")
	resp := ToErrorResponse(err)
	assert.Equal(t, CodeUnknownRollout, resp.Code)
	assert.Equal(t, "r1", resp.Details["rollout_id"])
	assert.Equal(t, "x", resp.Details["extra"])
}
