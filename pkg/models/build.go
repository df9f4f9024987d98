package models

import (
	"slices"
	"time"
)

// ProjectType is the kind of software a build produces.
type ProjectType string

const (
	ProjectWebApp    ProjectType = "web-app"
	ProjectAPI       ProjectType = "api"
	ProjectCLI       ProjectType = "cli"
	ProjectLibrary   ProjectType = "library"
	ProjectFullStack ProjectType = "full-stack"
)

// Valid reports whether t is a supported project type.
func (t ProjectType) Valid() bool {
	switch t {
	case ProjectWebApp, ProjectAPI, ProjectCLI, ProjectLibrary, ProjectFullStack:
		return true
	}
	return false
}

// DeployTarget selects where a finished build is run.
type DeployTarget string

const (
	DeployLocalhost DeployTarget = "localhost"
	DeployRemote    DeployTarget = "remote"
)

// Valid reports whether d is a supported deploy target.
func (d DeployTarget) Valid() bool {
	return d == DeployLocalhost || d == DeployRemote
}

// BuildStatus is a phase of the build pipeline.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildPlanning  BuildStatus = "planning"
	BuildBuilding  BuildStatus = "building"
	BuildTesting   BuildStatus = "testing"
	BuildDeploying BuildStatus = "deploying"
	BuildComplete  BuildStatus = "complete"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

var buildPhaseOrder = []BuildStatus{
	BuildQueued, BuildPlanning, BuildBuilding, BuildTesting, BuildDeploying, BuildComplete,
}

// Rank is the position of s in the happy-path phase order. Side exits rank
// after every regular phase.
func (s BuildStatus) Rank() int {
	if i := slices.Index(buildPhaseOrder, s); i >= 0 {
		return i
	}
	return len(buildPhaseOrder)
}

// Terminal reports whether s ends the pipeline.
func (s BuildStatus) Terminal() bool {
	return s == BuildComplete || s == BuildFailed || s == BuildCancelled
}

// BuildRequest is the client payload that starts a build.
type BuildRequest struct {
	Description    string       `json:"description"`
	ProjectType    ProjectType  `json:"projectType"`
	PreferredStack string       `json:"preferredStack,omitempty"`
	DeployTarget   DeployTarget `json:"deployTarget,omitempty"`
}

// Log levels used in BuildLogEntry.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// BuildLogEntry is one line of a project's build log.
type BuildLogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Phase     BuildStatus `json:"phase"`
	Level     string      `json:"level"`
	Message   string      `json:"message"`
}

// BuildProject is one run of the code generation pipeline. It exclusively
// owns WorkspacePath for its lifetime.
type BuildProject struct {
	ID             string          `json:"id"`
	Description    string          `json:"description"`
	ProjectType    ProjectType     `json:"projectType"`
	PreferredStack string          `json:"preferredStack,omitempty"`
	DeployTarget   DeployTarget    `json:"deployTarget"`
	WorkspacePath  string          `json:"workspacePath"`
	Status         BuildStatus     `json:"status"`
	LocalPort      int             `json:"localPort,omitempty"`
	DeployURL      string          `json:"deployUrl,omitempty"`
	BuildPrompt    string          `json:"buildPrompt,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryOf        string          `json:"retryOf,omitempty"`
	Logs           []BuildLogEntry `json:"logs"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (p *BuildProject) Clone() *BuildProject {
	if p == nil {
		return nil
	}
	c := *p
	c.Logs = slices.Clone(p.Logs)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
