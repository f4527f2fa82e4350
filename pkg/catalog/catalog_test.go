package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/livelabs/pkg/model"
)

const grafanaTrack = `title: Grafana dashboards
docker_image: ubuntu:24.04
auto_setup: true
env_template:
  - name: GRAFANA_TOKEN
    description: API token
  - name: ORG
    required: false
app:
  url_template: "http://localhost:{port}/d/home"
  container:
    image: grafana/grafana
    ports:
      - container: 3000
    auto_restart: true
  auto_login:
    type: url_params
    params:
      user: admin
steps:
  - title: Install
    setup_script: apt-get install -y curl
    validation_script: which curl
  - title: Query
    validation_script: curl -sf localhost:3000/api/health
    hints:
      - Is Grafana up?
`

type memSaver struct{ tracks map[string]*model.Track }

func (m *memSaver) UpsertTrack(_ context.Context, t *model.Track) error {
	m.tracks[t.Slug] = t
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "grafana-101.yaml", grafanaTrack)

	track, err := ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, "grafana-101", track.Slug)
	assert.Equal(t, "grafana-101", track.ID)
	assert.True(t, track.AutoSetup)
	require.Len(t, track.Steps, 2)
	assert.Equal(t, 1, track.Steps[0].Order)
	assert.Equal(t, 2, track.Steps[1].Order)
	assert.Equal(t, []string{"Is Grafana up?"}, track.Steps[1].Hints)

	require.Len(t, track.EnvTemplate, 2)
	assert.True(t, track.EnvTemplate[0].IsRequired())
	assert.False(t, track.EnvTemplate[1].IsRequired())

	require.NotNil(t, track.App.Container)
	assert.Equal(t, model.LifecycleSession, track.App.Container.Lifecycle)
	assert.Equal(t, model.AutoLoginURLParams, track.App.AutoLogin.Type)
}

func TestParseRejectsBadTracks(t *testing.T) {
	cases := map[string]string{
		"no steps":        "title: x\n",
		"order gap":       "steps:\n  - order: 1\n  - order: 3\n",
		"duplicate order": "steps:\n  - order: 1\n  - order: 1\n",
		"no image":        "steps:\n  - title: a\napp:\n  container:\n    ports: [{container: 80}]\n",
		"bad lifecycle":   "steps:\n  - title: a\napp:\n  container:\n    image: nginx\n    lifecycle: hourly\n",
		"bad auto login":  "steps:\n  - title: a\napp:\n  auto_login:\n    type: magic\n",
		"bad yaml":        "steps: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "x")
			assert.Error(t, err)
		})
	}
}

func TestImportDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "grafana-101.yaml", grafanaTrack)
	writeFile(t, dir, "shell.yml", "title: Shell\nsteps:\n  - title: ls\n    validation_script: ls\n")
	writeFile(t, dir, "README.md", "not a track")

	saver := &memSaver{tracks: map[string]*model.Track{}}
	tracks, err := Import(context.Background(), saver, dir)
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
	assert.Contains(t, saver.tracks, "grafana-101")
	assert.Contains(t, saver.tracks, "shell")
	assert.False(t, saver.tracks["shell"].UpdatedAt.IsZero())
}

func TestLoadDuplicateSlug(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "slug: same\nsteps:\n  - title: a\n")
	writeFile(t, dir, "b.yaml", "slug: same\nsteps:\n  - title: b\n")

	_, err := Load(dir)
	assert.ErrorContains(t, err, "duplicate track slug")
}
