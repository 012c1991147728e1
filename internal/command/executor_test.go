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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/encryption"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

var testAuthor = dogma.Author{Name: "alice", Email: "alice@localhost.localdomain"}

const (
	waitAWhile = 3 * time.Second
	tick       = 10 * time.Millisecond
)

func newTestExecutor(t *testing.T, keys KeyFactory) (*Executor, *storage.ProjectManager) {
	t.Helper()
	store, err := storage.NewProjectManager(t.TempDir(), cipherProviderOf(keys))
	require.NoError(t, err)
	e := NewExecutor(store, keys, NewMemoryLog())
	require.NoError(t, e.Start(Status{Writable: true, Replicating: true}))
	t.Cleanup(e.Stop)
	return e, store
}

func cipherProviderOf(keys KeyFactory) storage.CipherProvider {
	if p, ok := keys.(storage.CipherProvider); ok {
		return p
	}
	return nil
}

func TestExecuteCreateAndPush(t *testing.T) {
	e, store := newTestExecutor(t, nil)
	ctx := context.Background()

	_, err := e.Execute(ctx, NewCreateProject(testAuthor, "foo"))
	require.NoError(t, err)
	_, err = e.Execute(ctx, NewCreateRepository(testAuthor, "foo", "bar", false))
	require.NoError(t, err)

	result, err := e.Execute(ctx, NewPush(testAuthor, "foo", "bar", dogma.Head,
		dogma.CommitMessage{Summary: "add"},
		[]*dogma.Change{dogma.NewUpsert("/a.json", []byte(`{"x":1}`))}))
	require.NoError(t, err)
	push := result.(*dogma.PushResult)
	assert.Equal(t, dogma.Revision(2), push.Revision)

	repo, err := store.Repository("foo", "bar")
	require.NoError(t, err)
	entry, err := repo.Get(dogma.Head, &dogma.Query{Path: "/a.json", Type: dogma.Identity})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(entry.Content))
}

func TestStatusTransitions(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	ctx := context.Background()

	// writable without replicating is illegal
	_, err := e.UpdateStatus(ctx, testAuthor, Status{Writable: true, Replicating: false}, ScopeLocal)
	var validation *dogma.ValidationError
	require.ErrorAs(t, err, &validation)

	// a no-op local update reports not modified
	_, err = e.UpdateStatus(ctx, testAuthor, Status{Writable: true, Replicating: true}, ScopeLocal)
	require.ErrorIs(t, err, ErrNotModified)

	// leaving writable mode quiesces commits
	status, err := e.UpdateStatus(ctx, testAuthor, Status{Writable: false, Replicating: true}, ScopeLocal)
	require.NoError(t, err)
	assert.False(t, status.Writable)
	assert.False(t, e.IsWritable())

	_, err = e.Execute(ctx, NewCreateProject(testAuthor, "foo"))
	require.ErrorIs(t, err, dogma.ErrReadOnly)

	// status commands still go through, so the mode can be left again
	status, err = e.UpdateStatus(ctx, testAuthor, Status{Writable: true, Replicating: true}, ScopeAll)
	require.NoError(t, err)
	assert.True(t, status.Writable)

	_, err = e.Execute(ctx, NewCreateProject(testAuthor, "foo"))
	require.NoError(t, err)
}

func TestStoppedExecutorRejects(t *testing.T) {
	store, err := storage.NewProjectManager(t.TempDir(), nil)
	require.NoError(t, err)
	e := NewExecutor(store, nil, NewMemoryLog())
	_, err = e.Execute(context.Background(), NewCreateProject(testAuthor, "foo"))
	require.ErrorIs(t, err, dogma.ErrServerStopping)
}

func TestReplicatedApplyIsIdempotent(t *testing.T) {
	store, err := storage.NewProjectManager(t.TempDir(), nil)
	require.NoError(t, err)
	rlog := NewMemoryLog()
	e := NewExecutor(store, nil, rlog)
	require.NoError(t, e.Start(Status{Writable: true, Replicating: true}))
	t.Cleanup(e.Stop)
	ctx := context.Background()

	_, err = e.Execute(ctx, NewCreateProject(testAuthor, "foo"))
	require.NoError(t, err)
	_, err = e.Execute(ctx, NewCreateRepository(testAuthor, "foo", "bar", false))
	require.NoError(t, err)
	push := NewPush(testAuthor, "foo", "bar", 1,
		dogma.CommitMessage{Summary: "add"},
		[]*dogma.Change{dogma.NewUpsert("/a.json", []byte(`{"x":1}`))})
	_, err = e.Execute(ctx, push)
	require.NoError(t, err)

	repo, err := store.Repository("foo", "bar")
	require.NoError(t, err)
	head := repo.Head()

	// replaying the same committed command is a no-op: the base revision is
	// stale now, so the apply fails without changing the tail state
	_, err = rlog.Propose(ctx, push)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return repo.Head() == head }, waitAWhile, tick)
	assert.Equal(t, head, repo.Head())
}

func TestMigrationGuards(t *testing.T) {
	wrapper, err := encryption.NewStaticKeyWrapper("kek-1", map[string][]byte{
		"kek-1": make32(1),
	})
	require.NoError(t, err)
	provider := encryption.NewProvider(wrapper)
	e, _ := newTestExecutor(t, provider)
	ctx := context.Background()

	_, err = e.Execute(ctx, NewCreateProject(testAuthor, "foo"))
	require.NoError(t, err)
	_, err = e.Execute(ctx, NewCreateRepository(testAuthor, "foo", "bar", false))
	require.NoError(t, err)

	// internal repositories cannot be migrated
	_, err = e.Execute(ctx, NewMigrateEncryption(testAuthor, "foo", storage.MetaRepoName))
	var validation *dogma.ValidationError
	require.ErrorAs(t, err, &validation)

	// a read-only repository cannot be migrated
	_, err = e.Execute(ctx, NewUpdateRepositoryStatus(testAuthor, "foo", "bar", storage.StatusReadOnly))
	require.NoError(t, err)
	_, err = e.Execute(ctx, NewMigrateEncryption(testAuthor, "foo", "bar"))
	require.ErrorAs(t, err, &validation)
	_, err = e.Execute(ctx, NewUpdateRepositoryStatus(testAuthor, "foo", "bar", storage.StatusActive))
	require.NoError(t, err)
}

func TestMigrationRewritesAndStaysReadable(t *testing.T) {
	wrapper, err := encryption.NewStaticKeyWrapper("kek-1", map[string][]byte{
		"kek-1": make32(1),
	})
	require.NoError(t, err)
	provider := encryption.NewProvider(wrapper)
	e, store := newTestExecutor(t, provider)
	ctx := context.Background()

	_, err = e.Execute(ctx, NewCreateProject(testAuthor, "foo"))
	require.NoError(t, err)
	_, err = e.Execute(ctx, NewCreateRepository(testAuthor, "foo", "bar", false))
	require.NoError(t, err)

	var contents []string
	for i := 0; i < 5; i++ {
		content := `{"rev":` + string(rune('0'+i)) + `}`
		contents = append(contents, content)
		_, err = e.Execute(ctx, NewPush(testAuthor, "foo", "bar", dogma.Head,
			dogma.CommitMessage{Summary: "edit"},
			[]*dogma.Change{dogma.NewUpsert("/a.json", []byte(content))}))
		require.NoError(t, err)
	}

	_, err = e.Execute(ctx, NewMigrateEncryption(testAuthor, "foo", "bar"))
	require.NoError(t, err)

	info, err := store.RepositoryMeta("foo", "bar")
	require.NoError(t, err)
	assert.True(t, info.Encrypted)
	assert.Equal(t, storage.StatusActive, info.Status, "migration restores ACTIVE")

	// every prior revision remains fetchable and bit-identical in plaintext
	repo, err := store.Repository("foo", "bar")
	require.NoError(t, err)
	for i, content := range contents {
		entry, err := repo.Get(dogma.Revision(i+2), &dogma.Query{Path: "/a.json", Type: dogma.Identity})
		require.NoError(t, err)
		assert.JSONEq(t, content, string(entry.Content))
	}

	// migrating twice is rejected
	_, err = e.Execute(ctx, NewMigrateEncryption(testAuthor, "foo", "bar"))
	var validation *dogma.ValidationError
	require.ErrorAs(t, err, &validation)
}

func make32(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}
