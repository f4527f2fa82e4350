package model

import (
	"strings"
	"time"
)

// Lifecycle controls when an app container is recreated.
type Lifecycle string

const (
	// LifecycleSession keeps one container for the whole enrollment.
	LifecycleSession Lifecycle = "session"
	// LifecyclePerStep recreates the container whenever the learner advances.
	LifecyclePerStep Lifecycle = "per_step"
)

// AppConfig describes the auxiliary application shown beside instructions.
type AppConfig struct {
	URLTemplate string           `json:"url_template,omitempty" yaml:"url_template"`
	Container   *ContainerConfig `json:"container,omitempty" yaml:"container"`
	InitScript  string           `json:"init_script,omitempty" yaml:"init_script"`
	AutoLogin   *AutoLogin       `json:"auto_login,omitempty" yaml:"auto_login"`
}

// HasInitScript reports whether a non-blank init script is configured.
func (c *AppConfig) HasInitScript() bool {
	return c != nil && strings.TrimSpace(c.InitScript) != ""
}

// ContainerConfig describes a containerized app.
type ContainerConfig struct {
	Image       string            `json:"image" yaml:"image"`
	Ports       []PortMapping     `json:"ports,omitempty" yaml:"ports"`
	Command     []string          `json:"command,omitempty" yaml:"command"`
	Env         map[string]string `json:"env,omitempty" yaml:"env"`
	Lifecycle   Lifecycle         `json:"lifecycle,omitempty" yaml:"lifecycle"`
	AutoRestart bool              `json:"auto_restart,omitempty" yaml:"auto_restart"`
}

// PortMapping maps a container port to a host port. A zero Host port is
// allocated at start time.
type PortMapping struct {
	Container int `json:"container" yaml:"container"`
	Host      int `json:"host,omitempty" yaml:"host"`
}

// AutoLoginType selects how credentials are handed to the app window.
type AutoLoginType string

const (
	AutoLoginURLParams AutoLoginType = "url_params"
	AutoLoginCookies   AutoLoginType = "cookies"
)

// AutoLogin configures credentials injected when the app window opens.
type AutoLogin struct {
	Type    AutoLoginType     `json:"type" yaml:"type"`
	Params  map[string]string `json:"params,omitempty" yaml:"params"`
	Cookies []Cookie          `json:"cookies,omitempty" yaml:"cookies"`
}

// Cookie is a cookie the consumer must hold before loading the app URL.
type Cookie struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Domain   string `json:"domain,omitempty" yaml:"domain"`
	Path     string `json:"path,omitempty" yaml:"path"`
	Secure   bool   `json:"secure,omitempty" yaml:"secure"`
	HTTPOnly bool   `json:"http_only,omitempty" yaml:"http_only"`
}

// InitStatus is the cached outcome of the one-time initialization script.
type InitStatus string

const (
	InitPending InitStatus = "pending"
	InitRunning InitStatus = "running"
	InitSuccess InitStatus = "success"
	InitFailed  InitStatus = "failed"
)

// InitResult is the cached initialization result for an enrollment.
type InitResult struct {
	Status      InitStatus `json:"status"`
	URL         string     `json:"url,omitempty"`
	Cookies     []Cookie   `json:"cookies,omitempty"`
	Error       string     `json:"error,omitempty"`
	RawOutput   string     `json:"raw_output,omitempty"`
	Attempts    int        `json:"attempts"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ContainerHealth is the last health observation recorded for an app
// container. It is transient runtime status, not the app state itself.
type ContainerHealth string

const (
	HealthStarting ContainerHealth = "starting"
	HealthHealthy  ContainerHealth = "healthy"
	HealthFailed   ContainerHealth = "failed"
)

// AppContainer is the runtime record of an enrollment's app container.
type AppContainer struct {
	EnrollmentID    string          `json:"enrollment_id"`
	ContainerID     string          `json:"container_id"`
	Ports           map[int]int     `json:"ports,omitempty"` // container port -> host port
	Health          ContainerHealth `json:"health"`
	RestartCount    int             `json:"restart_count"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	LastHealthCheck *time.Time      `json:"last_health_check,omitempty"`
}
