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

package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
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

// KeyFactory creates the wrapped key and cipher for a repository migrating to
// encrypted storage.
type KeyFactory interface {
	NewRepositoryKey(project, repo string) (wdek []byte, cipher storage.Cipher, err error)
}

// migrationRevisionCap guards encryption migration: repositories at or above
// this many revisions must be migrated offline.
const migrationRevisionCap = 1000

type applyResult struct {
	value interface{}
	err   error
}

type applyItem struct {
	seq uint64
	cmd *Command
}

// Executor serializes every mutation through the replication log and a single
// applier goroutine. Only a writable node accepts direct commands; a
// replicating node applies whatever the log delivers.
type Executor struct {
	store *storage.ProjectManager
	keys  KeyFactory
	rlog  ReplicationLog

	mu             sync.Mutex
	status         Status
	started        bool
	appliedSeq     uint64
	cancelConsumer func()

	applyCh chan applyItem
	quit    chan struct{}
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan applyResult
}

// NewExecutor returns a stopped executor over the given store and log. keys
// may be nil when encryption is not configured.
func NewExecutor(store *storage.ProjectManager, keys KeyFactory, rlog ReplicationLog) *Executor {
	return &Executor{
		store:   store,
		keys:    keys,
		rlog:    rlog,
		applyCh: make(chan applyItem), // zero-capacity hand-off
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: map[string]chan applyResult{},
	}
}

// Start brings the executor into the given status and begins applying the
// replication log when replicating.
func (e *Executor) Start(initial Status) error {
	if err := initial.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.status = initial
	e.started = true
	go e.applier()
	if initial.Replicating {
		e.startConsumerLocked()
	}
	return nil
}

// Stop quiesces the executor. In-flight commands complete; new ones are
// rejected.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	if e.cancelConsumer != nil {
		e.cancelConsumer()
		e.cancelConsumer = nil
	}
	e.mu.Unlock()
	close(e.quit)
	<-e.done
}

// IsStarted reports whether the executor accepts work at all.
func (e *Executor) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// IsWritable is the read-only-mode predicate used everywhere.
func (e *Executor) IsWritable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && e.status.Writable
}

// CurrentStatus returns the node status.
func (e *Executor) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Execute proposes the command to the replication log and waits until it has
// been applied locally.
func (e *Executor) Execute(ctx context.Context, cmd *Command) (interface{}, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, dogma.ErrServerStopping
	}
	// status updates must go through even in read-only mode, or the mode
	// could never be left again
	if cmd.Type != TypeUpdateServerStatus && !e.status.Writable {
		e.mu.Unlock()
		return nil, dogma.ErrReadOnly
	}
	e.mu.Unlock()

	ch := make(chan applyResult, 1)
	e.pendingMu.Lock()
	e.pending[cmd.ID] = ch
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, cmd.ID)
		e.pendingMu.Unlock()
	}()

	if _, err := e.rlog.Propose(ctx, cmd); err != nil {
		return nil, &dogma.StorageError{Op: "propose", Cause: err}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.value, res.err
	}
}

// UpdateStatus changes the server status. ScopeLocal updates this node only
// and returns ErrNotModified when nothing changes; ScopeAll issues a
// replicated command.
func (e *Executor) UpdateStatus(ctx context.Context, author dogma.Author, status Status, scope Scope) (Status, error) {
	if err := status.Validate(); err != nil {
		return e.CurrentStatus(), err
	}
	if scope == ScopeAll {
		if _, err := e.Execute(ctx, NewUpdateServerStatus(author, status)); err != nil {
			return e.CurrentStatus(), err
		}
		return e.CurrentStatus(), nil
	}
	if !e.applyServerStatus(status) {
		return e.CurrentStatus(), ErrNotModified
	}
	return e.CurrentStatus(), nil
}

func (e *Executor) applier() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case item := <-e.applyCh:
			value, err := e.apply(item.cmd)
			e.mu.Lock()
			e.appliedSeq = item.seq
			e.mu.Unlock()

			e.pendingMu.Lock()
			ch, ok := e.pending[item.cmd.ID]
			e.pendingMu.Unlock()
			if ok {
				ch <- applyResult{value: value, err: err}
			} else if err != nil {
				// replayed commands becoming no-ops is expected, so every
				// replay failure is only traced at debug level
				log.WithField("command", item.cmd.Type).
					Debugf("replicated command was a no-op: %v", err)
			}
		}
	}
}

func (e *Executor) startConsumerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelConsumer = cancel
	from := e.appliedSeq

	go func() {
		var cancelSub func()
		subscribe := func() error {
			var err error
			cancelSub, err = e.rlog.Subscribe(from, func(seq uint64, cmd *Command) {
				select {
				case e.applyCh <- applyItem{seq: seq, cmd: cmd}:
				case <-ctx.Done():
				}
			})
			return err
		}
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(subscribe, policy); err != nil {
			log.Errorf("failed to subscribe to the replication log: %v", err)
			return
		}
		<-ctx.Done()
		if cancelSub != nil {
			cancelSub()
		}
	}()
}

// isLocallyProposed reports whether this node originated the command and is
// waiting on it.
func (e *Executor) isLocallyProposed(id string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	_, ok := e.pending[id]
	return ok
}

func (e *Executor) apply(cmd *Command) (interface{}, error) {
	switch cmd.Type {
	case TypeCreateProject:
		return e.store.CreateProject(cmd.Project, cmd.Author)
	case TypeRemoveProject:
		return nil, e.store.RemoveProject(cmd.Project)
	case TypeUnremoveProject:
		return e.store.UnremoveProject(cmd.Project)
	case TypeCreateRepository:
		return e.store.CreateRepository(cmd.Project, cmd.Repository, cmd.Author, cmd.Encrypt)
	case TypeRemoveRepository:
		return nil, e.store.RemoveRepository(cmd.Project, cmd.Repository)
	case TypeUnremoveRepository:
		return e.store.UnremoveRepository(cmd.Project, cmd.Repository)
	case TypePurgeRepository:
		return nil, e.store.PurgeRepository(cmd.Project, cmd.Repository)
	case TypePush:
		repo, err := e.store.Repository(cmd.Project, cmd.Repository)
		if err != nil {
			return nil, err
		}
		return repo.Commit(cmd.BaseRevision, cmd.Author, cmd.CommitMessage,
			cmd.Changes, e.isLocallyProposed(cmd.ID))
	case TypeUpdateServerStatus:
		if cmd.ServerStatus == nil {
			return nil, &dogma.ValidationError{Reason: "missing server status"}
		}
		if !e.applyServerStatus(*cmd.ServerStatus) {
			return nil, ErrNotModified
		}
		return e.CurrentStatus(), nil
	case TypeUpdateRepoStatus:
		changed, err := e.store.SetRepositoryStatus(cmd.Project, cmd.Repository, cmd.RepoStatus)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, ErrNotModified
		}
		return nil, nil
	case TypeMigrateEncryption:
		return nil, e.migrate(cmd)
	}
	return nil, &dogma.ValidationError{Reason: fmt.Sprintf("unknown command type %q", cmd.Type)}
}

func (e *Executor) applyServerStatus(status Status) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == status {
		return false
	}
	if status.Replicating != e.status.Replicating {
		if status.Replicating {
			e.startConsumerLocked()
		} else if e.cancelConsumer != nil {
			e.cancelConsumer()
			e.cancelConsumer = nil
		}
	}
	e.status = status
	return true
}

// migrate converts a repository to encrypted storage: guard, go read-only,
// rewrite, reactivate.
func (e *Executor) migrate(cmd *Command) error {
	if e.keys == nil {
		return &dogma.EncryptionStorageError{
			Op:    "migrate",
			Cause: fmt.Errorf("encryption is not configured"),
		}
	}
	if cmd.Repository == storage.MetaRepoName {
		return &dogma.ValidationError{Reason: "cannot migrate an internal repository"}
	}
	info, err := e.store.RepositoryMeta(cmd.Project, cmd.Repository)
	if err != nil {
		return err
	}
	if info.Encrypted {
		return &dogma.ValidationError{Reason: "repository is already encrypted"}
	}
	if info.Status == storage.StatusReadOnly {
		return &dogma.ValidationError{Reason: "repository is read-only"}
	}
	if info.HeadRevision >= migrationRevisionCap {
		return &dogma.ValidationError{
			Reason: fmt.Sprintf("repository has %d revisions; fewer than %d are required",
				info.HeadRevision, migrationRevisionCap),
		}
	}

	if _, err := e.store.SetRepositoryStatus(cmd.Project, cmd.Repository, storage.StatusReadOnly); err != nil {
		return err
	}
	restore := func() {
		if _, err := e.store.SetRepositoryStatus(cmd.Project, cmd.Repository, storage.StatusActive); err != nil {
			log.Errorf("failed to reactivate %v/%v after migration: %v", cmd.Project, cmd.Repository, err)
		}
	}

	wdek, cipher, err := e.keys.NewRepositoryKey(cmd.Project, cmd.Repository)
	if err != nil {
		restore()
		return err
	}
	start := time.Now()
	if err := e.store.MigrateRepository(cmd.Project, cmd.Repository, wdek, cipher); err != nil {
		restore()
		return err
	}
	restore()
	log.WithField("took", time.Since(start)).
		Infof("migrated %v/%v to encrypted storage", cmd.Project, cmd.Repository)
	return nil
}
