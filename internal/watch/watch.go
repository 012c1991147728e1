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

// Package watch implements the long-poll subsystem: watchers park on a
// repository and are woken by the first commit whose change set intersects
// their path pattern, or by their jittered timeout.
package watch

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/sirupsen/logrus"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// DefaultMaxTimeout caps the requested watch timeout.
const DefaultMaxTimeout = 1 * time.Minute

// variablesPattern is the meta-repository path whose commits retrigger
// file watches with derived variables.
const variablesPattern = "/variables/**"

// Result is the completion of a watch: the revision that woke it (and the
// transformed entry for file watches), or the error it failed with.
type Result struct {
	Revision dogma.Revision
	Entry    *dogma.Entry
	Err      error
}

// Watch is a parked long-poll subscription. It completes exactly once.
type Watch struct {
	engine  *Engine
	project string
	repo    string
	pattern *dogma.PathPattern

	// file watches re-evaluate the query and complete only when the
	// transformed value actually changed
	query *dogma.Query
	prev  []byte

	lastKnown dogma.Revision

	once  sync.Once
	ch    chan Result
	timer *time.Timer
}

// Done returns the channel the single result is delivered on.
func (w *Watch) Done() <-chan Result { return w.ch }

// Cancel detaches the watch; the caller receives a cancelled result.
func (w *Watch) Cancel() {
	w.complete(Result{Err: dogma.ErrWatchCancelled}, "failure")
}

func (w *Watch) complete(res Result, outcome string) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.engine.pending.Delete(w)
		w.engine.addActive(-1)
		w.engine.incr(outcome)
		w.ch <- res
	})
}

// Engine tracks pending watchers and wakes them from the commit fan-out. It
// subscribes to the storage backend as a listener, so neither side holds a
// strong reference to the other.
type Engine struct {
	repos      *storage.ProjectManager
	maxTimeout time.Duration
	collector  *metrics.Metrics

	pending sync.Map // *Watch -> struct{}
	active  int64
}

// NewEngine returns a watch engine over the project manager and registers it
// for commit events. collector may be nil.
func NewEngine(repos *storage.ProjectManager, maxTimeout time.Duration, collector *metrics.Metrics) *Engine {
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}
	e := &Engine{repos: repos, maxTimeout: maxTimeout, collector: collector}
	repos.AddListener(e)
	return e
}

func (e *Engine) addActive(delta int64) {
	n := atomic.AddInt64(&e.active, delta)
	if e.collector != nil {
		e.collector.SetGauge([]string{"watches", "active"}, float32(n))
	}
}

func (e *Engine) incr(outcome string) {
	if e.collector != nil {
		e.collector.IncrCounter([]string{"watches", outcome}, 1)
	}
}

// WatchRepository parks until a commit after lastKnownRev touches the path
// pattern. A positive timeout completes the watch with a cancelled result
// after a jittered delay; zero waits indefinitely.
func (e *Engine) WatchRepository(project, repo string, lastKnownRev dogma.Revision,
	pathPattern string, timeout time.Duration) (*Watch, error) {

	r, err := e.repos.Repository(project, repo)
	if err != nil {
		return nil, err
	}
	abs, err := r.Normalize(lastKnownRev)
	if err != nil {
		return nil, err
	}
	pattern, err := dogma.CompilePathPattern(pathPattern)
	if err != nil {
		return nil, err
	}

	w := &Watch{
		engine:    e,
		project:   project,
		repo:      repo,
		pattern:   pattern,
		lastKnown: abs,
		ch:        make(chan Result, 1),
	}
	e.register(w, timeout)

	// a qualifying change may have happened before we parked
	if latest, err := r.FindLatestRevision(abs, pathPattern); err != nil {
		w.complete(Result{Err: err}, "failure")
	} else if latest != 0 {
		w.complete(Result{Revision: latest}, "wakeup")
	}
	return w, nil
}

// WatchFile parks until the query result over the file changes. Commits to
// the meta repository's variables also retrigger evaluation when the query
// carries expressions.
func (e *Engine) WatchFile(project, repo string, lastKnownRev dogma.Revision,
	query *dogma.Query, timeout time.Duration) (*Watch, error) {

	if query == nil {
		return nil, dogma.ErrQueryMustBeSet
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	r, err := e.repos.Repository(project, repo)
	if err != nil {
		return nil, err
	}
	abs, err := r.Normalize(lastKnownRev)
	if err != nil {
		return nil, err
	}
	pattern, err := dogma.CompilePathPattern(query.Path)
	if err != nil {
		return nil, err
	}

	w := &Watch{
		engine:    e,
		project:   project,
		repo:      repo,
		pattern:   pattern,
		query:     query,
		lastKnown: abs,
		ch:        make(chan Result, 1),
	}
	if entry, err := r.Get(abs, query); err == nil {
		w.prev = entry.Content
	}
	e.register(w, timeout)

	if head := r.Head(); head != abs {
		w.reevaluate(head)
	}
	return w, nil
}

func (e *Engine) register(w *Watch, timeout time.Duration) {
	e.pending.Store(w, struct{}{})
	e.addActive(1)
	if timeout > 0 {
		if timeout > e.maxTimeout {
			timeout = e.maxTimeout
		}
		w.timer = time.AfterFunc(dogma.ApplyJitter(timeout), func() {
			w.complete(Result{Err: dogma.ErrWatchCancelled}, "timeout")
		})
	}
}

// OnCommit wakes the watchers whose pattern intersects the commit, in commit
// order. It implements storage.Listener.
func (e *Engine) OnCommit(event storage.CommitEvent) {
	e.pending.Range(func(key, _ interface{}) bool {
		w := key.(*Watch)
		switch {
		case w.project == event.Project && w.repo == event.Repository:
			if event.Revision > w.lastKnown && w.pattern.MatchesAny(event.Paths) {
				e.wake(w, event.Revision)
			}
		case w.query != nil && len(w.query.Expressions) > 0 &&
			w.project == event.Project && event.Repository == storage.MetaRepoName:
			// derived variables changed; the transformed value may differ
			// even though the file itself did not
			if varsChanged(event.Paths) {
				w.reevaluate(0)
			}
		}
		return true
	})
}

func varsChanged(paths []string) bool {
	pattern, err := dogma.CompilePathPattern(variablesPattern)
	if err != nil {
		return false
	}
	return pattern.MatchesAny(paths)
}

func (e *Engine) wake(w *Watch, rev dogma.Revision) {
	if w.query == nil {
		w.complete(Result{Revision: rev}, "wakeup")
		return
	}
	w.reevaluate(rev)
}

// reevaluate recomputes the transformed file content and completes the watch
// only when it differs from the previously observed value. rev of 0 means
// the current head.
func (w *Watch) reevaluate(rev dogma.Revision) {
	r, err := w.engine.repos.Repository(w.project, w.repo)
	if err != nil {
		w.complete(Result{Err: err}, "failure")
		return
	}
	if rev == 0 {
		rev = r.Head()
	}
	entry, err := r.Get(rev, w.query)
	if err != nil {
		var notFound *dogma.EntryNotFoundError
		if errors.As(err, &notFound) {
			// removed while we were parked; keep waiting for it to reappear
			return
		}
		w.complete(Result{Err: err}, "failure")
		return
	}
	if bytes.Equal(w.prev, entry.Content) {
		return
	}
	w.complete(Result{Revision: rev, Entry: entry}, "wakeup")
}

// OnRepositoryRemoved cancels every watcher of the removed repository with a
// not-found error. It implements storage.Listener.
func (e *Engine) OnRepositoryRemoved(project, repo string) {
	e.pending.Range(func(key, _ interface{}) bool {
		w := key.(*Watch)
		if w.project == project && w.repo == repo {
			w.complete(Result{
				Err: &dogma.RepositoryNotFoundError{Project: project, Name: repo},
			}, "failure")
		}
		return true
	})
}
