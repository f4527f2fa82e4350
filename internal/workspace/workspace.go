// Package workspace binds enrollments to their sandboxes: it provisions the
// sandbox on first use, records it on the enrollment and builds the
// environment scripts run with.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/sandbox"
)

// Env var names injected into every script and shell.
const (
	EnvEnrollmentID = "LIVELABS_ENROLLMENT_ID"
	EnvStep         = "LIVELABS_STEP"
	EnvTrack        = "LIVELABS_TRACK"
)

// Recorder persists the sandbox id of an enrollment.
type Recorder interface {
	SetSandbox(ctx context.Context, id, sandboxID string) error
}

// Workspaces provisions enrollment sandboxes.
type Workspaces struct {
	prov         sandbox.Provisioner
	store        Recorder
	defaultImage string
	network      string
	logger       *slog.Logger
}

// New creates Workspaces. defaultImage is used for tracks without a
// docker_image.
func New(prov sandbox.Provisioner, store Recorder, defaultImage, network string, logger *slog.Logger) *Workspaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspaces{
		prov:         prov,
		store:        store,
		defaultImage: defaultImage,
		network:      network,
		logger:       logger,
	}
}

// Provisioner returns the underlying provisioner.
func (w *Workspaces) Provisioner() sandbox.Provisioner { return w.prov }

// Ensure makes sure the enrollment's sandbox is running. Failures are
// transport errors.
func (w *Workspaces) Ensure(ctx context.Context, e *model.Enrollment, t *model.Track) error {
	image := t.DockerImage
	if image == "" {
		image = w.defaultImage
	}
	id, err := w.prov.Ensure(ctx, sandbox.SandboxSpec{
		EnrollmentID: e.ID,
		Image:        image,
		Network:      w.network,
	})
	if err != nil {
		return labserr.Transport("ensure sandbox", err)
	}
	if id != e.SandboxID {
		if err := w.store.SetSandbox(ctx, e.ID, id); err != nil {
			return fmt.Errorf("recording sandbox: %w", err)
		}
		e.SandboxID = id
		w.logger.Info("sandbox ready", "enrollment_id", e.ID, "sandbox_id", shortID(id), "image", image)
	}
	return nil
}

// Release stops the enrollment's sandbox and forgets it.
func (w *Workspaces) Release(ctx context.Context, e *model.Enrollment) error {
	if err := w.prov.Stop(ctx, e.ID); err != nil {
		return labserr.Transport("stop sandbox", err)
	}
	if e.SandboxID != "" {
		if err := w.store.SetSandbox(ctx, e.ID, ""); err != nil {
			return fmt.Errorf("clearing sandbox: %w", err)
		}
		e.SandboxID = ""
	}
	return nil
}

// Env builds the environment for a script: track secrets, overlaid by the
// enrollment's bindings, plus LiveLabs variables. step is omitted when 0.
func Env(e *model.Enrollment, t *model.Track, step int) map[string]string {
	env := make(map[string]string, len(t.EnvSecrets)+len(e.Environment)+3)
	for k, v := range t.EnvSecrets {
		env[k] = v
	}
	for k, v := range e.Environment {
		env[k] = v
	}
	env[EnvEnrollmentID] = e.ID
	env[EnvTrack] = t.Slug
	if step > 0 {
		env[EnvStep] = strconv.Itoa(step)
	}
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
