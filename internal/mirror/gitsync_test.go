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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
)

// newFixtureRepo creates a git repository on disk with the given files
// committed on master.
func newFixtureRepo(t *testing.T, files map[string]string) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFixture(t, dir, repo, files)
	return dir, repo
}

func commitFixture(t *testing.T, dir string, repo *git.Repository, files map[string]string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}
	_, err = wt.Commit("fixture", &git.CommitOptions{
		Author: &object.Signature{Name: "fixture", Email: "fixture@localhost", When: time.Now()},
	})
	require.NoError(t, err)
}

func fixtureMirror(dir string) *Mirror {
	return &Mirror{
		ID:           "m1",
		Enabled:      true,
		Direction:    RemoteToLocal,
		Schedule:     "0 * * * * ?",
		LocalRepo:    "bar",
		LocalPath:    "/",
		RemoteURI:    "git+file://" + dir,
		RemotePath:   "/",
		RemoteBranch: "master",
	}
}

func TestRemoteToLocal(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	s := newTestScheduler(env, nil)

	dir, fixture := newFixtureRepo(t, map[string]string{"foo.json": `{"fixture":true}`})
	m := fixtureMirror(dir)
	task := &Task{Project: "foo", Mirror: m, Scheduled: time.Now()}

	result, err := s.runRemoteToLocal(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, result.Status)

	repo, err := env.store.Repository("foo", "bar")
	require.NoError(t, err)
	entry, err := repo.Get(dogma.Head, &dogma.Query{Path: "/foo.json", Type: dogma.Identity})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fixture":true}`, string(entry.Content))

	// the sentinel records the imported remote commit
	stateEntry, err := repo.Get(dogma.Head, &dogma.Query{Path: "/mirror_state.json", Type: dogma.Identity})
	require.NoError(t, err)
	state := new(State)
	require.NoError(t, json.Unmarshal(stateEntry.Content, state))
	head, err := fixture.Head()
	require.NoError(t, err)
	assert.Equal(t, head.Hash().String(), state.RemoteRevision)

	// an unchanged remote is a no-op
	result, err = s.runRemoteToLocal(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, TaskNoOp, result.Status)

	// a remote change syncs removals too
	commitFixture(t, dir, fixture, map[string]string{"other.txt": "hello"})
	wt, err := fixture.Worktree()
	require.NoError(t, err)
	_, err = wt.Remove("foo.json")
	require.NoError(t, err)
	_, err = wt.Commit("remove foo.json", &git.CommitOptions{
		Author: &object.Signature{Name: "fixture", Email: "fixture@localhost", When: time.Now()},
	})
	require.NoError(t, err)

	result, err = s.runRemoteToLocal(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, result.Status)
	_, err = repo.Get(dogma.Head, &dogma.Query{Path: "/foo.json", Type: dogma.Identity})
	var notFound *dogma.EntryNotFoundError
	require.ErrorAs(t, err, &notFound)
	entry, err = repo.Get(dogma.Head, &dogma.Query{Path: "/other.txt", Type: dogma.Identity})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(entry.Content))
}

func TestRemoteToLocalGitignore(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	s := newTestScheduler(env, nil)

	dir, _ := newFixtureRepo(t, map[string]string{
		"keep.json":    `{"keep":true}`,
		"skip.secret":  "sensitive",
		"sub/also.txt": "kept",
	})
	m := fixtureMirror(dir)
	m.Gitignore = "*.secret\n"
	task := &Task{Project: "foo", Mirror: m, Scheduled: time.Now()}

	_, err := s.runRemoteToLocal(context.Background(), task)
	require.NoError(t, err)

	repo, err := env.store.Repository("foo", "bar")
	require.NoError(t, err)
	_, err = repo.Get(dogma.Head, &dogma.Query{Path: "/skip.secret", Type: dogma.Identity})
	var notFound *dogma.EntryNotFoundError
	require.ErrorAs(t, err, &notFound, "ignored files are not imported")
	_, err = repo.Get(dogma.Head, &dogma.Query{Path: "/sub/also.txt", Type: dogma.Identity})
	require.NoError(t, err)
}

func TestRemoteToLocalFileBudget(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	s := newTestScheduler(env, nil)
	s.cfg.MaxNumFiles = 1

	dir, _ := newFixtureRepo(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	task := &Task{Project: "foo", Mirror: fixtureMirror(dir), Scheduled: time.Now()}
	_, err := s.runRemoteToLocal(context.Background(), task)
	require.Error(t, err, "exceeding the file budget fails the task")
}

func TestLocalToRemote(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	s := newTestScheduler(env, nil)
	ctx := context.Background()

	// the push target is a bare clone of a seeded repository
	seedDir, _ := newFixtureRepo(t, map[string]string{"seed.txt": "seed"})
	bareDir := t.TempDir()
	_, err := git.PlainClone(bareDir, true, &git.CloneOptions{URL: seedDir})
	require.NoError(t, err)

	_, err = env.exec.Execute(ctx, command.NewPush(testAuthor, "foo", "bar", dogma.Head,
		dogma.CommitMessage{Summary: "content"},
		[]*dogma.Change{dogma.NewUpsert("/exported.json", []byte(`{"exported":true}`))}))
	require.NoError(t, err)
	local, err := env.store.Repository("foo", "bar")
	require.NoError(t, err)

	m := fixtureMirror(bareDir)
	m.Direction = LocalToRemote
	task := &Task{Project: "foo", Mirror: m, Scheduled: time.Now()}

	result, err := s.runLocalToRemote(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, result.Status)

	// the remote now carries the exported file and the sentinel
	checkout := t.TempDir()
	_, err = git.PlainClone(checkout, false, &git.CloneOptions{URL: bareDir})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(checkout, "exported.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"exported":true}`, string(data))
	data, err = os.ReadFile(filepath.Join(checkout, StateFileName))
	require.NoError(t, err)
	state := new(State)
	require.NoError(t, json.Unmarshal(data, state))
	assert.Equal(t, local.Head().String(), state.LocalRevision)

	// nothing changed locally: the next run is a no-op
	result, err = s.runLocalToRemote(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, TaskNoOp, result.Status)
}
