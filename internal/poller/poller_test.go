package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/livelabs/internal/appstate"
	"github.com/jxucoder/livelabs/internal/logging"
	"github.com/jxucoder/livelabs/pkg/labserr"
)

const tick = 10 * time.Millisecond

type script struct {
	mu     sync.Mutex
	states []appstate.State
	calls  atomic.Int32
}

// next returns the scripted states in order, repeating the last one.
func (s *script) next(context.Context, string) (appstate.Snapshot, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return appstate.Snapshot{State: st, HasApp: true}, nil
}

type published struct {
	mu    sync.Mutex
	snaps []appstate.Snapshot
}

func (p *published) add(_ string, snap appstate.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *published) states() []appstate.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []appstate.State
	for _, s := range p.snaps {
		out = append(out, s.State)
	}
	return out
}

func TestStopsOnTerminalState(t *testing.T) {
	s := &script{states: []appstate.State{appstate.Initializing, appstate.Initializing, appstate.Ready}}
	pub := &published{}
	p := New(s.next, pub.add, tick, time.Minute, logging.Discard(), nil)
	defer p.Stop()

	require.True(t, p.Ensure("e1", appstate.Snapshot{State: appstate.Initializing}))
	require.Eventually(t, func() bool { return !p.Active("e1") }, time.Second, tick/2)

	assert.Equal(t, []appstate.State{appstate.Ready}, pub.states())

	// No further derives once the loop has exited.
	calls := s.calls.Load()
	time.Sleep(3 * tick)
	assert.Equal(t, calls, s.calls.Load())
}

func TestPublishesEveryChange(t *testing.T) {
	s := &script{states: []appstate.State{appstate.Initializing, appstate.Stopped, appstate.Starting, appstate.Running}}
	pub := &published{}
	p := New(s.next, pub.add, tick, time.Minute, logging.Discard(), nil)
	defer p.Stop()

	// Stopped is terminal, so the first loop ends there.
	p.Ensure("e1", appstate.Snapshot{State: appstate.Initializing})
	require.Eventually(t, func() bool { return !p.Active("e1") }, time.Second, tick/2)
	assert.Equal(t, []appstate.State{appstate.Stopped}, pub.states())

	p.Ensure("e1", appstate.Snapshot{State: appstate.Starting})
	require.Eventually(t, func() bool { return !p.Active("e1") }, time.Second, tick/2)
	assert.Equal(t, []appstate.State{appstate.Stopped, appstate.Running}, pub.states())
}

func TestSingleLoopPerEnrollment(t *testing.T) {
	s := &script{states: []appstate.State{appstate.Starting}}
	p := New(s.next, func(string, appstate.Snapshot) {}, tick, time.Minute, logging.Discard(), nil)
	defer p.Stop()

	starting := appstate.Snapshot{State: appstate.Starting}
	assert.True(t, p.Ensure("e1", starting))
	assert.False(t, p.Ensure("e1", starting))
	assert.True(t, p.Ensure("e2", starting))
	assert.Equal(t, 2, p.Len())
}

func TestTerminalSnapshotStartsNothing(t *testing.T) {
	s := &script{states: []appstate.State{appstate.Running}}
	p := New(s.next, func(string, appstate.Snapshot) {}, tick, time.Minute, logging.Discard(), nil)
	defer p.Stop()

	assert.False(t, p.Ensure("e1", appstate.Snapshot{State: appstate.Running}))
	assert.False(t, p.Ensure("e1", appstate.Snapshot{State: appstate.NoApp}))
	assert.Zero(t, p.Len())
}

func TestGivesUpAfterMaxDuration(t *testing.T) {
	s := &script{states: []appstate.State{appstate.Starting}}
	p := New(s.next, func(string, appstate.Snapshot) {}, tick, 5*tick, logging.Discard(), nil)
	defer p.Stop()

	p.Ensure("e1", appstate.Snapshot{State: appstate.Starting})
	require.Eventually(t, func() bool { return !p.Active("e1") }, time.Second, tick/2)
}

func TestStopsWhenEnrollmentDisappears(t *testing.T) {
	derive := func(context.Context, string) (appstate.Snapshot, error) {
		return appstate.Snapshot{}, labserr.NotFound("app_status", "enrollment", "e1")
	}
	p := New(derive, func(string, appstate.Snapshot) {}, tick, time.Minute, logging.Discard(), nil)
	defer p.Stop()

	p.Ensure("e1", appstate.Snapshot{State: appstate.Initializing})
	require.Eventually(t, func() bool { return !p.Active("e1") }, time.Second, tick/2)
}

func TestStopCancelsLoops(t *testing.T) {
	s := &script{states: []appstate.State{appstate.Starting}}
	p := New(s.next, func(string, appstate.Snapshot) {}, tick, time.Minute, logging.Discard(), nil)
	p.Start(context.Background())

	p.Ensure("e1", appstate.Snapshot{State: appstate.Starting})
	p.Stop()
	assert.Zero(t, p.Len())
	assert.False(t, p.Ensure("e2", appstate.Snapshot{State: appstate.Starting}))
}
