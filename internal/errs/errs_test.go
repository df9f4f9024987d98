package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyWrapping(t *testing.T) {
	assert.ErrorIs(t, Validation("missing %s", "description"), ErrValidation)
	assert.ErrorIs(t, Conflict("build:p1"), ErrConflict)
	assert.ErrorIs(t, Resource("no free port"), ErrResource)
	assert.ErrorIs(t, NotFound("project", "p1"), ErrNotFound)

	wrapped := fmt.Errorf("outer: %w", Conflict("research:s1"))
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.NotErrorIs(t, wrapped, ErrValidation)
}

func TestToolError(t *testing.T) {
	err := error(&ToolError{Tool: "search", Attempts: 3, Message: "timeout"})
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.Equal(t, "tool search failed after 3 attempts: timeout", err.Error())

	var te *ToolError
	assert.True(t, errors.As(fmt.Errorf("step s1: %w", err), &te))
	assert.Equal(t, "timeout", te.Message)

	single := &ToolError{Tool: "email", Attempts: 1, Message: "bounced"}
	assert.Equal(t, "tool email failed: bounced", single.Error())
}
