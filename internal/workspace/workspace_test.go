package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/livelabs/internal/logging"
	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/sandbox"
)

type stubProvisioner struct {
	sandbox.Provisioner
	specs   []sandbox.SandboxSpec
	stopped []string
	err     error
}

func (s *stubProvisioner) Ensure(_ context.Context, spec sandbox.SandboxSpec) (string, error) {
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return "", s.err
	}
	return "sbx-" + spec.EnrollmentID, nil
}

func (s *stubProvisioner) Stop(_ context.Context, id string) error {
	s.stopped = append(s.stopped, id)
	return s.err
}

type memRecorder map[string]string

func (m memRecorder) SetSandbox(_ context.Context, id, sandboxID string) error {
	m[id] = sandboxID
	return nil
}

func TestEnsureRecordsSandbox(t *testing.T) {
	prov := &stubProvisioner{}
	rec := memRecorder{}
	w := New(prov, rec, "ubuntu:24.04", "livelabs-net", logging.Discard())

	e := &model.Enrollment{ID: "e1"}
	require.NoError(t, w.Ensure(context.Background(), e, &model.Track{}))

	require.Len(t, prov.specs, 1)
	assert.Equal(t, "ubuntu:24.04", prov.specs[0].Image)
	assert.Equal(t, "livelabs-net", prov.specs[0].Network)
	assert.Equal(t, "sbx-e1", e.SandboxID)
	assert.Equal(t, "sbx-e1", rec["e1"])

	require.NoError(t, w.Ensure(context.Background(), e, &model.Track{DockerImage: "python:3.12"}))
	assert.Equal(t, "python:3.12", prov.specs[1].Image)

	require.NoError(t, w.Release(context.Background(), e))
	assert.Equal(t, []string{"e1"}, prov.stopped)
	assert.Empty(t, rec["e1"])
}

func TestEnsureFailureIsTransport(t *testing.T) {
	w := New(&stubProvisioner{err: errors.New("docker: connection refused")}, memRecorder{}, "img", "", nil)
	err := w.Ensure(context.Background(), &model.Enrollment{ID: "e1"}, &model.Track{})
	assert.True(t, labserr.Is(err, labserr.KindTransport))
}

func TestEnvOverlay(t *testing.T) {
	track := &model.Track{Slug: "git", EnvSecrets: map[string]string{"TOKEN": "track", "REGION": "us"}}
	e := &model.Enrollment{ID: "e1", Environment: map[string]string{"TOKEN": "mine"}}

	env := Env(e, track, 2)
	assert.Equal(t, "mine", env["TOKEN"])
	assert.Equal(t, "us", env["REGION"])
	assert.Equal(t, "e1", env[EnvEnrollmentID])
	assert.Equal(t, "2", env[EnvStep])
	assert.Equal(t, "git", env[EnvTrack])

	_, ok := Env(e, track, 0)[EnvStep]
	assert.False(t, ok)
}
