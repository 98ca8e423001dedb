package testutil

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/access-api/pkg/errors"
)

func TestRunConcurrent_SortsOutcomes(t *testing.T) {
	res := RunConcurrent(9, func(idx int) error {
		switch idx % 3 {
		case 0:
			return nil
		case 1:
			return errors.Conflict("taken", nil)
		default:
			return stderrors.New("boom")
		}
	})
	assert.Equal(t, int32(3), res.Successes)
	assert.Equal(t, int32(3), res.Conflicts)
	assert.Equal(t, int32(3), res.Errors)
	assert.Equal(t, int32(9), res.Total())
}
