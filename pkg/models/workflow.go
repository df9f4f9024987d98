package models

import (
	"maps"
	"time"
)

// ParameterKind tells the resolver where a step parameter comes from.
type ParameterKind string

const (
	ParameterConstant     ParameterKind = "constant"
	ParameterInput        ParameterKind = "input"
	ParameterPreviousStep ParameterKind = "previous_step"
	ParameterContext      ParameterKind = "context"
)

// Valid reports whether k is one of the known parameter kinds.
func (k ParameterKind) Valid() bool {
	switch k {
	case ParameterConstant, ParameterInput, ParameterPreviousStep, ParameterContext:
		return true
	}
	return false
}

// ParameterSource declares how a single tool parameter is produced.
type ParameterSource struct {
	Kind  ParameterKind `json:"kind" yaml:"kind"`
	Value any           `json:"value" yaml:"value"`
}

// WorkflowStep invokes exactly one tool and stores its output under OutputKey.
type WorkflowStep struct {
	ID               string                     `json:"id" yaml:"id"`
	Name             string                     `json:"name" yaml:"name"`
	ToolName         string                     `json:"toolName" yaml:"toolName"`
	ParameterMapping map[string]ParameterSource `json:"parameterMapping,omitempty" yaml:"parameterMapping,omitempty"`
	OutputKey        string                     `json:"outputKey" yaml:"outputKey"`
	Condition        string                     `json:"condition,omitempty" yaml:"condition,omitempty"`
	RetryCount       int                        `json:"retryCount" yaml:"retryCount"`
	OnFailureStepID  string                     `json:"onFailureStepId,omitempty" yaml:"onFailureStepId,omitempty"`
	ExtractFields    []string                   `json:"extractFields,omitempty" yaml:"extractFields,omitempty"`
}

// Workflow is a named, ordered list of steps (a "skill").
type Workflow struct {
	ID          string         `json:"id" yaml:"id"`
	Slug        string         `json:"slug" yaml:"slug"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	IsActive    bool           `json:"isActive" yaml:"isActive"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time      `json:"updatedAt" yaml:"-"`
}

// StepIndex returns the position of the step with the given id, or -1.
func (w *Workflow) StepIndex(id string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// ExecutionStatus is the state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// WorkflowExecution is the mutable record of one workflow run.
type WorkflowExecution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	SubjectID     string          `json:"subjectId"`
	Status        ExecutionStatus `json:"status"`
	CurrentStepID string          `json:"currentStepId,omitempty"`
	InputData     map[string]any  `json:"inputData"`
	StepResults   map[string]any  `json:"stepResults"`
	Error         string          `json:"error,omitempty"`
	Depth         int             `json:"depth"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a copy that can be handed to other goroutines. Stored step
// results are never mutated in place, so the maps are copied one level deep.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.InputData = maps.Clone(e.InputData)
	c.StepResults = maps.Clone(e.StepResults)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
