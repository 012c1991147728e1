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
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"

	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

// ErrDisallowed indicates that the access controller denied the remote URI.
var ErrDisallowed = errors.New("mirror access disallowed")

// TaskStatus is the outcome of a mirror run.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "SUCCESS"
	TaskNoOp    TaskStatus = "NO_OP"
	TaskFailure TaskStatus = "FAILURE"
)

// Result describes a finished mirror run.
type Result struct {
	Status      TaskStatus `json:"status"`
	Description string     `json:"description,omitempty"`
	CompletedAt time.Time  `json:"completedAt"`
}

// Task is one scheduled or manual execution of a mirror.
type Task struct {
	Project   string
	Mirror    *Mirror
	Scheduled time.Time
	Manual    bool
}

func (t *Task) key() string { return t.Project + "/" + t.Mirror.ID }

// Listener observes the mirror lifecycle.
type Listener interface {
	OnStart(task *Task)
	OnComplete(task *Task, result *Result)
	OnError(task *Task, cause error)
	OnDisallowed(task *Task)
}

// ZoneConfig pins mirrors to nodes. A mirror runs only on the node whose
// current zone matches its hint, or the first declared zone when the hint is
// unset.
type ZoneConfig struct {
	Current string
	All     []string
}

// SchedulerConfig bundles the scheduler dependencies and limits.
type SchedulerConfig struct {
	Service   *Service
	Store     *storage.ProjectManager
	Executor  *command.Executor
	Access    *AccessController
	Zone      *ZoneConfig
	Workers   int
	Collector *metrics.Metrics

	// budgets for a single REMOTE_TO_LOCAL run
	MaxNumFiles int
	MaxNumBytes int64

	// RunTimeout caps a request-initiated run.
	RunTimeout time.Duration
}

const (
	defaultWorkers     = 4
	defaultMaxNumFiles = 8192
	defaultMaxNumBytes = 32 * 1024 * 1024
	defaultRunTimeout  = 5 * time.Minute

	// scheduleJitterMax staggers mirrors sharing a cron expression; the
	// offset is stable per mirror so a schedule never drifts.
	scheduleJitterMax = 60 * time.Second

	shutdownGrace = 10 * time.Second
)

// Scheduler fires due mirrors once a second and hands them to a bounded
// worker pool over a zero-capacity channel, so backpressure blocks the
// scheduler instead of queueing unboundedly.
type Scheduler struct {
	cfg SchedulerConfig

	mu        sync.Mutex
	listeners []Listener
	nextRuns  map[string]time.Time
	last      map[string]*Result
	badZones  map[string]bool

	workCh  chan *Task
	closing chan struct{}
	rootCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	workers sync.WaitGroup
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxNumFiles <= 0 {
		cfg.MaxNumFiles = defaultMaxNumFiles
	}
	if cfg.MaxNumBytes <= 0 {
		cfg.MaxNumBytes = defaultMaxNumBytes
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		nextRuns: map[string]time.Time{},
		last:     map[string]*Result{},
		badZones: map[string]bool{},
		workCh:   make(chan *Task), // zero-capacity hand-off
		closing:  make(chan struct{}),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// AddListener registers a lifecycle listener.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Start launches the ticker and the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for {
				select {
				case <-s.closing:
					return
				case task := <-s.workCh:
					s.runTask(s.rootCtx, task)
				}
			}
		}()
	}
	go s.loop()
}

// Stop sets the closing flag, waits up to the grace period for active tasks
// and then interrupts them.
func (s *Scheduler) Stop() {
	close(s.closing)

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn("interrupting mirror tasks still active after the shutdown grace period")
	}
	s.cancel()
	s.workers.Wait()
}

// LastResult returns the most recent result of a mirror, if any.
func (s *Scheduler) LastResult(project, id string) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[project+"/"+id]
}

// RunNow executes a mirror immediately with the request-initiated ceiling,
// bypassing the schedule but not the access controller.
func (s *Scheduler) RunNow(ctx context.Context, project, id string) (*Result, error) {
	m, err := s.cfg.Service.Get(project, id)
	if err != nil {
		return nil, err
	}
	task := &Task{Project: project, Mirror: m, Scheduled: time.Now(), Manual: true}
	if !s.cfg.Access.IsAllowed(m.RemoteURI) {
		s.notifyDisallowed(task)
		return nil, ErrDisallowed
	}
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	s.notifyStart(task)
	result, err := s.run(runCtx, task)
	if err != nil {
		s.notifyError(task, err)
		result = &Result{Status: TaskFailure, Description: err.Error(), CompletedAt: time.Now()}
	} else {
		s.notifyComplete(task, result)
	}
	s.record(task, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	for _, project := range s.cfg.Store.ListProjects(false) {
		mirrors, err := s.cfg.Service.List(project.Name)
		if err != nil {
			log.Errorf("failed to list mirrors of %v: %v", project.Name, err)
			continue
		}
		for _, m := range mirrors {
			if !m.Enabled {
				continue
			}
			task := &Task{Project: project.Name, Mirror: m, Scheduled: now}
			if !s.zoneAllowed(task) {
				continue
			}
			if !s.due(task, now) {
				continue
			}
			select {
			case s.workCh <- task:
			case <-s.closing:
				return
			}
		}
	}
}

// due computes the mirror's next execution from its cron expression plus a
// stable per-mirror jitter, and reports whether it has arrived.
func (s *Scheduler) due(task *Task, now time.Time) bool {
	schedule, err := cronParser.Parse(task.Mirror.Schedule)
	if err != nil {
		// validated on write; a descriptor edited by hand may still be bad
		s.oneShotError(task, fmt.Errorf("invalid schedule %q: %v", task.Mirror.Schedule, err))
		return false
	}
	key := task.key()
	s.mu.Lock()
	next, ok := s.nextRuns[key]
	if !ok {
		next = schedule.Next(now).Add(s.jitter(key))
		s.nextRuns[key] = next
		s.mu.Unlock()
		return false
	}
	if now.Before(next) {
		s.mu.Unlock()
		return false
	}
	s.nextRuns[key] = schedule.Next(now).Add(s.jitter(key))
	s.mu.Unlock()
	return true
}

// jitter derives a stable offset up to a minute from the mirror identity.
func (s *Scheduler) jitter(key string) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(key))
	return time.Duration(h.Sum32()%uint32(scheduleJitterMax/time.Millisecond)) * time.Millisecond
}

func (s *Scheduler) zoneAllowed(task *Task) bool {
	if s.cfg.Zone == nil {
		return true
	}
	hint := task.Mirror.Zone
	if hint == "" {
		hint = s.cfg.Zone.All[0]
	}
	valid := false
	for _, z := range s.cfg.Zone.All {
		if z == hint {
			valid = true
			break
		}
	}
	if !valid {
		s.oneShotError(task, fmt.Errorf("unknown zone %q", hint))
		return false
	}
	return hint == s.cfg.Zone.Current
}

// oneShotError reports a configuration failure once per mirror.
func (s *Scheduler) oneShotError(task *Task, cause error) {
	key := task.key()
	s.mu.Lock()
	seen := s.badZones[key]
	s.badZones[key] = true
	s.mu.Unlock()
	if !seen {
		s.notifyError(task, cause)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	if !s.cfg.Access.IsAllowed(task.Mirror.RemoteURI) {
		s.notifyDisallowed(task)
		s.incr("disallowed")
		return
	}

	s.tasks.Add(1)
	defer s.tasks.Done()

	s.notifyStart(task)
	result, err := s.run(ctx, task)
	if err != nil {
		// a failed task does not stop the scheduler; the next tick retries
		log.WithField("mirror", task.key()).Errorf("mirror task failed: %v", err)
		s.notifyError(task, err)
		result = &Result{Status: TaskFailure, Description: err.Error(), CompletedAt: time.Now()}
	} else {
		s.notifyComplete(task, result)
	}
	s.record(task, result)
}

func (s *Scheduler) run(ctx context.Context, task *Task) (*Result, error) {
	switch task.Mirror.Direction {
	case RemoteToLocal:
		return s.runRemoteToLocal(ctx, task)
	case LocalToRemote:
		return s.runLocalToRemote(ctx, task)
	}
	return nil, fmt.Errorf("unknown mirror direction %q", task.Mirror.Direction)
}

func (s *Scheduler) record(task *Task, result *Result) {
	if result == nil {
		return
	}
	s.mu.Lock()
	s.last[task.key()] = result
	s.mu.Unlock()
	switch result.Status {
	case TaskSuccess:
		s.incr("success")
	case TaskNoOp:
		s.incr("noop")
	case TaskFailure:
		s.incr("failure")
	}
}

func (s *Scheduler) incr(outcome string) {
	if s.cfg.Collector != nil {
		s.cfg.Collector.IncrCounter([]string{"mirror", outcome}, 1)
	}
}

func (s *Scheduler) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners
}

func (s *Scheduler) notifyStart(task *Task) {
	for _, l := range s.snapshotListeners() {
		safeNotify(func() { l.OnStart(task) })
	}
}

func (s *Scheduler) notifyComplete(task *Task, result *Result) {
	for _, l := range s.snapshotListeners() {
		safeNotify(func() { l.OnComplete(task, result) })
	}
}

func (s *Scheduler) notifyError(task *Task, cause error) {
	for _, l := range s.snapshotListeners() {
		safeNotify(func() { l.OnError(task, cause) })
	}
}

func (s *Scheduler) notifyDisallowed(task *Task) {
	for _, l := range s.snapshotListeners() {
		safeNotify(func() { l.OnDisallowed(task) })
	}
}

func safeNotify(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			log.Errorf("mirror listener panicked: %v", v)
		}
	}()
	fn()
}
