package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomy(t *testing.T) {
	v := Validation("score %v out of range", 2)
	assert.True(t, IsValidation(v))
	assert.False(t, IsNotFound(v))
	assert.Contains(t, v.Error(), "score 2 out of range")

	nf := fmt.Errorf("load: %w", NotFound("item %s", "a"))
	assert.True(t, IsNotFound(nf))

	cause := errors.New("connection refused")
	d := Dependency("embed", cause)
	assert.True(t, IsDependency(d))
	assert.ErrorIs(t, d, cause)
	assert.Same(t, d, Dependency("outer", d))
	assert.NoError(t, Dependency("noop", nil))
}

func TestPartialFailure(t *testing.T) {
	pf := NewPartialFailure(3)
	pf.Add("a", nil)
	require.NoError(t, pf.ErrOrNil())

	pf.Add("c", NotFound("item c"))
	pf.Add("b", Dependency("append", errors.New("disk full")))
	err := pf.ErrOrNil()
	require.Error(t, err)

	assert.Equal(t, []string{"b", "c"}, pf.Keys())
	assert.Equal(t, "partial failure: 2 of 3 failed [b, c]", err.Error())
	assert.True(t, IsNotFound(err))
	assert.True(t, IsDependency(err))
	assert.False(t, IsValidation(err))

	var got *PartialFailure
	assert.True(t, errors.As(err, &got))
}
