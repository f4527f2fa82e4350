// Package appstate derives the app window state of an enrollment from its
// track configuration, cached init result and live container state.
//
// Derive is a pure function: it is recomputed on every request and its
// output is never stored as ground truth.
package appstate

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/sandbox"
)

// State is the derived app window state.
type State string

const (
	NoApp        State = "no_app"
	NeedsInit    State = "needs_init"
	Initializing State = "initializing"
	InitFailed   State = "init_failed"
	Ready        State = "ready"
	Stopped      State = "stopped"
	Starting     State = "starting"
	Running      State = "running"
	Failed       State = "failed"
	Error        State = "error"
)

// Terminal reports whether the poller can stop watching this state.
func (s State) Terminal() bool {
	return s != Initializing && s != Starting
}

// AppType tells whether the app window points at an external URL or at a
// container LiveLabs manages.
type AppType string

const (
	TypeExternal  AppType = "external"
	TypeContainer AppType = "container"
)

// InterruptedReason is reported for an init run that was recorded as running
// but has no live execution behind it.
const InterruptedReason = "initialization interrupted"

// Input is everything Derive looks at.
type Input struct {
	App *model.AppConfig
	// Init is the cached init result; nil means pending.
	Init *model.InitResult
	// InitInFlight is true while an init run is executing in this process.
	InitInFlight bool
	// Container is the persisted container record, nil when none.
	Container *model.AppContainer
	// Live is the inspected container, nil when it no longer exists.
	Live *sandbox.AppInfo
	// LiveErr is set when the container could not be inspected.
	LiveErr error
	// AppHost is the host name used for container URLs.
	AppHost     string
	MaxRestarts int
}

// Snapshot is the app window state returned to callers.
type Snapshot struct {
	State        State          `json:"state"`
	HasApp       bool           `json:"has_app"`
	Type         AppType        `json:"type,omitempty"`
	URL          string         `json:"url,omitempty"`
	Cookies      []model.Cookie `json:"cookies,omitempty"`
	Ports        map[int]int    `json:"ports,omitempty"`
	Error        string         `json:"error,omitempty"`
	Diagnostic   string         `json:"diagnostic,omitempty"`
	CanStart     bool           `json:"can_start"`
	CanRetry     bool           `json:"can_retry"`
	CanRestart   bool           `json:"can_restart"`
	RestartCount int            `json:"restart_count"`
	MaxRestarts  int            `json:"max_restarts"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
}

// HasApp reports whether an app config defines any app window.
func HasApp(app *model.AppConfig) bool {
	return app != nil && (app.URLTemplate != "" || app.Container != nil || app.HasInitScript())
}

// Derive computes the snapshot for in.
func Derive(in Input) Snapshot {
	if !HasApp(in.App) {
		return Snapshot{State: NoApp}
	}
	app := in.App
	snap := Snapshot{HasApp: true, MaxRestarts: in.MaxRestarts}

	cached := in.Init
	if cached == nil {
		cached = &model.InitResult{Status: model.InitPending}
	}

	// The init script gates everything else.
	if app.HasInitScript() {
		switch {
		case in.InitInFlight:
			snap.State = Initializing
			return snap
		case cached.Status == model.InitRunning:
			snap.State = InitFailed
			snap.Error = InterruptedReason
			snap.CanRetry = true
			return snap
		case cached.Status == model.InitPending:
			snap.State = NeedsInit
			return snap
		case cached.Status == model.InitFailed:
			snap.CanRetry = true
			if app.URLTemplate == "" {
				snap.State = InitFailed
				snap.Error = cached.Error
				snap.Diagnostic = cached.RawOutput
				return snap
			}
			// A configured URL keeps the app usable despite the failure.
			snap.Diagnostic = firstNonEmpty(cached.Error, cached.RawOutput)
		}
	}

	if app.Container != nil {
		return deriveContainer(in, cached, snap)
	}

	snap.Type = TypeExternal
	switch {
	case app.URLTemplate != "":
		snap.URL = withLoginParams(BuildURL(app.URLTemplate, nil, nil), app.AutoLogin)
		snap.Cookies = loginCookies(app.AutoLogin)
	case cached.Status == model.InitSuccess && cached.URL != "":
		snap.URL = cached.URL
		snap.Cookies = append(append([]model.Cookie{}, cached.Cookies...), loginCookies(app.AutoLogin)...)
	default:
		return Snapshot{State: NoApp}
	}
	snap.State = Ready
	return snap
}

func deriveContainer(in Input, cached *model.InitResult, snap Snapshot) Snapshot {
	app := in.App
	snap.Type = TypeContainer

	rec := in.Container
	if rec == nil {
		snap.State = Stopped
		snap.CanStart = true
		return snap
	}

	snap.RestartCount = rec.RestartCount
	started := rec.StartedAt
	snap.StartedAt = &started
	snap.CanRestart = rec.RestartCount < in.MaxRestarts

	if in.LiveErr != nil {
		snap.State = Error
		snap.Error = in.LiveErr.Error()
		return snap
	}
	if in.Live == nil {
		// The container was removed behind our back.
		snap.State = Stopped
		snap.CanStart = true
		snap.CanRestart = false
		snap.StartedAt = nil
		return snap
	}

	ports := rec.Ports
	if len(in.Live.Ports) > 0 {
		ports = in.Live.Ports
	}
	snap.Ports = ports

	switch {
	case !in.Live.Running:
		snap.State = Failed
		snap.Error = firstNonEmpty(rec.Error, fmt.Sprintf("container exited with code %d", in.Live.ExitCode))
		return snap
	case rec.Health == model.HealthFailed:
		snap.State = Failed
		snap.Error = firstNonEmpty(rec.Error, "health check failed")
		return snap
	case rec.Health == model.HealthStarting:
		snap.State = Starting
		return snap
	}

	snap.State = Running
	order := portOrder(app.Container.Ports, ports)
	switch {
	case app.URLTemplate != "":
		snap.URL = withLoginParams(BuildURL(app.URLTemplate, ports, order), app.AutoLogin)
		snap.Cookies = loginCookies(app.AutoLogin)
	case cached.Status == model.InitSuccess && cached.URL != "":
		snap.URL = cached.URL
		snap.Cookies = append(append([]model.Cookie{}, cached.Cookies...), loginCookies(app.AutoLogin)...)
	case len(order) > 0:
		host := in.AppHost
		if host == "" {
			host = "localhost"
		}
		snap.URL = withLoginParams(fmt.Sprintf("http://%s:%d", host, ports[order[0]]), app.AutoLogin)
		snap.Cookies = loginCookies(app.AutoLogin)
	}
	return snap
}

// BuildURL substitutes {port} with the host port of the first container
// port in order and {port:N} with the host port of container port N.
// Placeholders without a mapping are left in place.
func BuildURL(template string, ports map[int]int, order []int) string {
	if len(ports) == 0 {
		return template
	}
	if len(order) > 0 {
		if hp, ok := ports[order[0]]; ok {
			template = strings.ReplaceAll(template, "{port}", strconv.Itoa(hp))
		}
	}
	for cp, hp := range ports {
		template = strings.ReplaceAll(template, fmt.Sprintf("{port:%d}", cp), strconv.Itoa(hp))
	}
	return template
}

// portOrder lists container ports in configuration order, followed by any
// other mapped ports in ascending order.
func portOrder(configured []model.PortMapping, ports map[int]int) []int {
	var order []int
	seen := make(map[int]bool)
	for _, p := range configured {
		if _, ok := ports[p.Container]; ok && !seen[p.Container] {
			order = append(order, p.Container)
			seen[p.Container] = true
		}
	}
	var rest []int
	for cp := range ports {
		if !seen[cp] {
			rest = append(rest, cp)
		}
	}
	sort.Ints(rest)
	return append(order, rest...)
}

func withLoginParams(raw string, al *model.AutoLogin) string {
	if al == nil || al.Type != model.AutoLoginURLParams || len(al.Params) == 0 {
		return raw
	}
	keys := make([]string, 0, len(al.Params))
	for k := range al.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, al.Params[k])
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + q.Encode()
}

func loginCookies(al *model.AutoLogin) []model.Cookie {
	if al == nil || al.Type != model.AutoLoginCookies {
		return nil
	}
	return append([]model.Cookie{}, al.Cookies...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
