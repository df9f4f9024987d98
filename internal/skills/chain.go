package skills

import (
	"context"
	"slices"
	"strings"

	"voice-orchestrator/backend/internal/errs"
)

type chainKey struct{}

// callChain returns the ids of the workflows currently running around ctx,
// outermost first.
func callChain(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

// Depth returns how many workflows are already running around ctx.
func Depth(ctx context.Context) int {
	return len(callChain(ctx))
}

func checkChain(ctx context.Context, workflowID string, maxDepth int) error {
	chain := callChain(ctx)
	if slices.Contains(chain, workflowID) {
		return errs.Validation("workflow cycle detected: %s", strings.Join(append(slices.Clone(chain), workflowID), " -> "))
	}
	if maxDepth > 0 && len(chain) >= maxDepth {
		return errs.Validation("workflow %s exceeds max nesting depth %d", workflowID, maxDepth)
	}
	return nil
}

// enterWorkflow records workflowID on the chain carried by ctx.
func enterWorkflow(ctx context.Context, workflowID string, maxDepth int) (context.Context, error) {
	if err := checkChain(ctx, workflowID, maxDepth); err != nil {
		return ctx, err
	}
	next := append(slices.Clone(callChain(ctx)), workflowID)
	return context.WithValue(ctx, chainKey{}, next), nil
}
