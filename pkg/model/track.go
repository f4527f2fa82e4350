// Package model defines the core domain types shared across LiveLabs.
package model

import (
	"sort"
	"time"
)

// Track is an ordered sequence of steps plus an optional app configuration.
type Track struct {
	ID          string            `json:"id" yaml:"id"`
	Slug        string            `json:"slug" yaml:"slug"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description,omitempty" yaml:"description"`
	DockerImage string            `json:"docker_image,omitempty" yaml:"docker_image"`
	EnvTemplate []EnvVar          `json:"env_template,omitempty" yaml:"env_template"`
	EnvSecrets  map[string]string `json:"env_secrets,omitempty" yaml:"env_secrets"`

	// AutoSetup runs a step's setup script automatically when the learner
	// enters the step.
	AutoSetup bool `json:"auto_setup,omitempty" yaml:"auto_setup"`

	App   *AppConfig `json:"app,omitempty" yaml:"app"`
	Steps []Step     `json:"steps" yaml:"steps"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// EnvVar documents an environment variable a learner must (or may) provide
// when enrolling.
type EnvVar struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Required    *bool  `json:"required,omitempty" yaml:"required"`
}

// IsRequired reports whether the variable must be provided. Variables are
// required unless explicitly marked otherwise.
func (v EnvVar) IsRequired() bool {
	return v.Required == nil || *v.Required
}

// Step is one instructional unit of a track.
type Step struct {
	Order            int      `json:"order" yaml:"order"`
	Title            string   `json:"title" yaml:"title"`
	Instructions     string   `json:"instructions,omitempty" yaml:"instructions"`
	SetupScript      string   `json:"setup_script,omitempty" yaml:"setup_script"`
	ValidationScript string   `json:"validation_script,omitempty" yaml:"validation_script"`
	Hints            []string `json:"hints,omitempty" yaml:"hints"`
}

// Script returns the script of the given type.
func (s *Step) Script(t ScriptType) string {
	switch t {
	case ScriptSetup:
		return s.SetupScript
	case ScriptValidation:
		return s.ValidationScript
	}
	return ""
}

// TotalSteps returns the number of steps in the track.
func (t *Track) TotalSteps() int { return len(t.Steps) }

// Step looks up a step by its order.
func (t *Track) Step(order int) (*Step, bool) {
	for i := range t.Steps {
		if t.Steps[i].Order == order {
			return &t.Steps[i], true
		}
	}
	return nil, false
}

// SortSteps orders steps by their Order field.
func (t *Track) SortSteps() {
	sort.SliceStable(t.Steps, func(i, j int) bool {
		return t.Steps[i].Order < t.Steps[j].Order
	})
}

// HasApp reports whether the track defines any app window at all.
func (t *Track) HasApp() bool {
	if t.App == nil {
		return false
	}
	return t.App.URLTemplate != "" || t.App.Container != nil || t.App.HasInitScript()
}

// StepStatus classifies a step relative to an enrollment's current step.
type StepStatus string

const (
	StepLocked    StepStatus = "locked"
	StepCurrent   StepStatus = "current"
	StepCompleted StepStatus = "completed"
)

// ClassifyStep returns the status of the step with the given order.
func ClassifyStep(order, currentStep int) StepStatus {
	switch {
	case order > currentStep:
		return StepLocked
	case order == currentStep:
		return StepCurrent
	default:
		return StepCompleted
	}
}

// Public returns a copy of the track safe to show learners: secrets, the init
// script and step scripts are withheld.
func (t *Track) Public() *Track {
	out := *t
	out.EnvSecrets = nil
	out.EnvTemplate = append([]EnvVar(nil), t.EnvTemplate...)
	if t.App != nil {
		app := *t.App
		app.InitScript = ""
		if app.Container != nil {
			cc := *app.Container
			cc.Env = nil
			app.Container = &cc
		}
		out.App = &app
	}
	out.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		s.SetupScript = ""
		s.ValidationScript = ""
		out.Steps[i] = s
	}
	return &out
}
