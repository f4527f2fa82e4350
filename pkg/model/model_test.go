package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStep(t *testing.T) {
	assert.Equal(t, StepCompleted, ClassifyStep(1, 2))
	assert.Equal(t, StepCurrent, ClassifyStep(2, 2))
	assert.Equal(t, StepLocked, ClassifyStep(3, 2))

	// A completed track has current step past the last one.
	assert.Equal(t, StepCompleted, ClassifyStep(3, 4))
}

func TestParseScriptType(t *testing.T) {
	st, err := ParseScriptType("setup")
	require.NoError(t, err)
	assert.Equal(t, ScriptSetup, st)

	st, err = ParseScriptType("validation")
	require.NoError(t, err)
	assert.Equal(t, ScriptValidation, st)

	_, err = ParseScriptType("teardown")
	assert.Error(t, err)
	_, err = ParseScriptType("")
	assert.Error(t, err)
}

func TestEnrollmentCompleted(t *testing.T) {
	e := &Enrollment{CurrentStep: 3}
	assert.False(t, e.Completed(3))
	e.CurrentStep = 4
	assert.True(t, e.Completed(3))
}

func TestEnvVarIsRequired(t *testing.T) {
	no := false
	yes := true
	assert.True(t, EnvVar{Name: "A"}.IsRequired())
	assert.True(t, EnvVar{Name: "B", Required: &yes}.IsRequired())
	assert.False(t, EnvVar{Name: "C", Required: &no}.IsRequired())
}

func TestTrackStepLookup(t *testing.T) {
	tr := &Track{Steps: []Step{{Order: 2, Title: "two"}, {Order: 1, Title: "one"}}}
	tr.SortSteps()
	assert.Equal(t, "one", tr.Steps[0].Title)

	s, ok := tr.Step(2)
	require.True(t, ok)
	assert.Equal(t, "two", s.Title)

	_, ok = tr.Step(3)
	assert.False(t, ok)
	assert.Equal(t, 2, tr.TotalSteps())
}

func TestHasApp(t *testing.T) {
	assert.False(t, (&Track{}).HasApp())
	assert.False(t, (&Track{App: &AppConfig{InitScript: "  \n"}}).HasApp())
	assert.True(t, (&Track{App: &AppConfig{URLTemplate: "https://x"}}).HasApp())
	assert.True(t, (&Track{App: &AppConfig{Container: &ContainerConfig{Image: "gitea"}}}).HasApp())
	assert.True(t, (&Track{App: &AppConfig{InitScript: "echo {}"}}).HasApp())
}

func TestPublicWithholdsSecrets(t *testing.T) {
	tr := &Track{
		ID:         "t1",
		EnvSecrets: map[string]string{"TOKEN": "s3cret"},
		App: &AppConfig{
			InitScript: "create-user",
			Container:  &ContainerConfig{Image: "gitea", Env: map[string]string{"ADMIN_PASS": "x"}},
		},
		Steps: []Step{{Order: 1, Title: "one", Instructions: "do it", SetupScript: "a", ValidationScript: "b", Hints: []string{"h"}}},
	}

	pub := tr.Public()
	assert.Nil(t, pub.EnvSecrets)
	assert.Empty(t, pub.App.InitScript)
	assert.Nil(t, pub.App.Container.Env)
	assert.Equal(t, "gitea", pub.App.Container.Image)
	assert.Empty(t, pub.Steps[0].SetupScript)
	assert.Empty(t, pub.Steps[0].ValidationScript)
	assert.Equal(t, "do it", pub.Steps[0].Instructions)

	// The source track keeps its secrets.
	assert.Equal(t, "s3cret", tr.EnvSecrets["TOKEN"])
	assert.Equal(t, "create-user", tr.App.InitScript)
	assert.Equal(t, "x", tr.App.Container.Env["ADMIN_PASS"])
	assert.Equal(t, "a", tr.Steps[0].SetupScript)
}

func TestStepScript(t *testing.T) {
	s := &Step{SetupScript: "setup", ValidationScript: "check"}
	assert.Equal(t, "setup", s.Script(ScriptSetup))
	assert.Equal(t, "check", s.Script(ScriptValidation))
	assert.Empty(t, s.Script("other"))
}
