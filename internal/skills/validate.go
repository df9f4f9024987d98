package skills

import (
	"fmt"
	"strings"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/pkg/models"
)

// Validate checks a workflow definition before it is stored or run. All
// problems are reported together.
func (e *Engine) Validate(w *models.Workflow) error {
	if w == nil {
		return errs.Validation("workflow is required")
	}

	var issues []string
	if strings.TrimSpace(w.ID) == "" {
		issues = append(issues, "id is required")
	}
	if len(w.Steps) == 0 {
		issues = append(issues, "workflow has no steps")
	}

	seen := make(map[string]bool, len(w.Steps))
	for i, step := range w.Steps {
		label := fmt.Sprintf("step %d", i)
		if step.ID == "" {
			issues = append(issues, label+": id is required")
		} else {
			label = fmt.Sprintf("step %q", step.ID)
			if seen[step.ID] {
				issues = append(issues, label+": duplicate id")
			}
			seen[step.ID] = true
		}

		switch {
		case step.ToolName == "":
			issues = append(issues, label+": toolName is required")
		case e.tools != nil && !e.tools.Has(step.ToolName):
			issues = append(issues, fmt.Sprintf("%s: unknown tool %q", label, step.ToolName))
		}
		if step.RetryCount < 0 {
			issues = append(issues, label+": retryCount must not be negative")
		}
		for name, source := range step.ParameterMapping {
			if !source.Kind.Valid() {
				issues = append(issues, fmt.Sprintf("%s: parameter %q has unknown kind %q", label, name, source.Kind))
			}
		}
		if step.OnFailureStepID != "" && w.StepIndex(step.OnFailureStepID) <= i {
			issues = append(issues, fmt.Sprintf("%s: onFailureStepId %q must name a later step", label, step.OnFailureStepID))
		}
	}

	if len(issues) > 0 {
		return errs.Validation("workflow %s: %s", w.ID, strings.Join(issues, "; "))
	}
	return nil
}
