// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu         sync.Mutex
	started    []string
	completed  []TaskStatus
	errored    []error
	disallowed []string
}

func (l *recordingListener) OnStart(task *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, task.key())
}

func (l *recordingListener) OnComplete(task *Task, result *Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, result.Status)
}

func (l *recordingListener) OnError(task *Task, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errored = append(l.errored, cause)
}

func (l *recordingListener) OnDisallowed(task *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disallowed = append(l.disallowed, task.key())
}

func newTestScheduler(env *testEnv, zone *ZoneConfig) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Service:  env.svc,
		Store:    env.store,
		Executor: env.exec,
		Access:   env.access,
		Zone:     zone,
	})
}

func TestScheduleJitterIsStable(t *testing.T) {
	env := newTestEnv(t)
	s := newTestScheduler(env, nil)
	first := s.jitter("foo/m1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.jitter("foo/m1"))
	}
	assert.Less(t, first, scheduleJitterMax)
	assert.NotEqual(t, first, s.jitter("foo/another"), "different mirrors spread out")
}

func TestDueFiresOncePerSlot(t *testing.T) {
	env := newTestEnv(t)
	s := newTestScheduler(env, nil)
	m := &Mirror{ID: "m1", Schedule: "* * * * * ?", Direction: RemoteToLocal}
	task := &Task{Project: "foo", Mirror: m}

	now := time.Now()
	assert.False(t, s.due(task, now), "the first tick only seeds the next execution time")

	jitter := s.jitter(task.key())
	// step past the next scheduled second plus the jitter
	later := now.Add(time.Second + jitter + time.Second)
	assert.True(t, s.due(task, later))
	assert.False(t, s.due(task, later), "the same slot does not fire twice")
}

func TestZoneAllowed(t *testing.T) {
	env := newTestEnv(t)
	listener := &recordingListener{}

	s := newTestScheduler(env, &ZoneConfig{Current: "zone-a", All: []string{"zone-a", "zone-b"}})
	s.AddListener(listener)

	matching := &Task{Project: "p", Mirror: &Mirror{ID: "m1", Zone: "zone-a"}}
	other := &Task{Project: "p", Mirror: &Mirror{ID: "m2", Zone: "zone-b"}}
	unset := &Task{Project: "p", Mirror: &Mirror{ID: "m3"}}
	invalid := &Task{Project: "p", Mirror: &Mirror{ID: "m4", Zone: "nowhere"}}

	assert.True(t, s.zoneAllowed(matching))
	assert.False(t, s.zoneAllowed(other))
	assert.True(t, s.zoneAllowed(unset), "an unset hint means the first declared zone")
	assert.False(t, s.zoneAllowed(invalid))

	// the invalid zone produced a one-shot failure event
	require.Len(t, listener.errored, 1)
	assert.False(t, s.zoneAllowed(invalid))
	assert.Len(t, listener.errored, 1, "the failure event fires only once")

	// without a zone config everything runs here
	s2 := newTestScheduler(env, nil)
	assert.True(t, s2.zoneAllowed(other))
}

func TestRunNowDisallowed(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	listener := &recordingListener{}
	s := newTestScheduler(env, nil)
	s.AddListener(listener)

	m := &Mirror{
		ID: "m1", Enabled: true, Direction: RemoteToLocal, Schedule: "0 * * * * ?",
		LocalRepo: "bar", LocalPath: "/", RemoteURI: "git+https://denied.example/x.git",
		RemotePath: "/", RemoteBranch: "main",
	}
	require.NoError(t, env.svc.Create(context.Background(), testAuthor, "foo", m))

	_, err := s.RunNow(context.Background(), "foo", "m1")
	require.ErrorIs(t, err, ErrDisallowed)
	assert.Equal(t, []string{"foo/m1"}, listener.disallowed)
	assert.Empty(t, listener.started, "a disallowed mirror is skipped, not started")
}
