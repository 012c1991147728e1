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

package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

var testAuthor = dogma.Author{Name: "alice", Email: "alice@localhost.localdomain"}

func newTestEngine(t *testing.T) (*Engine, *storage.ProjectManager, *storage.Repository) {
	t.Helper()
	pm, err := storage.NewProjectManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = pm.CreateProject("foo", testAuthor)
	require.NoError(t, err)
	_, err = pm.CreateRepository("foo", "bar", testAuthor, false)
	require.NoError(t, err)
	repo, err := pm.Repository("foo", "bar")
	require.NoError(t, err)
	return NewEngine(pm, 0, nil), pm, repo
}

func commitUpsert(t *testing.T, repo *storage.Repository, path, content string) dogma.Revision {
	t.Helper()
	result, err := repo.Commit(dogma.Head, testAuthor,
		dogma.CommitMessage{Summary: "Edit " + path},
		[]*dogma.Change{dogma.NewUpsert(path, []byte(content))}, true)
	require.NoError(t, err)
	return result.Revision
}

func TestWatchWakesOnCommit(t *testing.T) {
	engine, _, repo := newTestEngine(t)
	commitUpsert(t, repo, "/a.json", `{"x":1}`)
	head := repo.Head()

	w, err := engine.WatchRepository("foo", "bar", head, "/a.json", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		commitUpsert(t, repo, "/a.json", `{"x":2}`)
	}()

	select {
	case res := <-w.Done():
		require.NoError(t, res.Err)
		assert.Equal(t, head+1, res.Revision)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not wake on a matching commit")
	}
}

func TestWatchIgnoresUnmatchedCommit(t *testing.T) {
	engine, _, repo := newTestEngine(t)
	head := repo.Head()

	w, err := engine.WatchRepository("foo", "bar", head, "/a.json", 0)
	require.NoError(t, err)

	commitUpsert(t, repo, "/other.json", `{"x":1}`)
	select {
	case res := <-w.Done():
		t.Fatalf("watch woke on an unmatched commit: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}

	rev := commitUpsert(t, repo, "/a.json", `{"x":1}`)
	select {
	case res := <-w.Done():
		require.NoError(t, res.Err)
		assert.Equal(t, rev, res.Revision)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not wake")
	}
}

func TestWatchCompletesImmediatelyWhenBehind(t *testing.T) {
	engine, _, repo := newTestEngine(t)
	commitUpsert(t, repo, "/a.json", `{"x":1}`)
	base := repo.Head()
	latest := commitUpsert(t, repo, "/a.json", `{"x":2}`)

	w, err := engine.WatchRepository("foo", "bar", base, "/a.json", 0)
	require.NoError(t, err)
	select {
	case res := <-w.Done():
		require.NoError(t, res.Err)
		assert.Equal(t, latest, res.Revision)
	case <-time.After(time.Second):
		t.Fatal("watch with a stale lastKnownRev should complete immediately")
	}
}

func TestWatchTimesOutWithJitter(t *testing.T) {
	engine, _, repo := newTestEngine(t)
	head := repo.Head()

	start := time.Now()
	w, err := engine.WatchRepository("foo", "bar", head, "/none.json", 500*time.Millisecond)
	require.NoError(t, err)

	select {
	case res := <-w.Done():
		elapsed := time.Since(start)
		require.ErrorIs(t, res.Err, dogma.ErrWatchCancelled)
		assert.GreaterOrEqual(t, elapsed, 380*time.Millisecond, "jitter lower bound is 0.8x")
		assert.Less(t, elapsed, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not time out")
	}
	_ = repo
}

func TestWatchCancelCompletesOnce(t *testing.T) {
	engine, _, repo := newTestEngine(t)
	head := repo.Head()

	w, err := engine.WatchRepository("foo", "bar", head, "/a.json", 0)
	require.NoError(t, err)
	w.Cancel()
	w.Cancel() // cancelling twice is safe

	res := <-w.Done()
	require.ErrorIs(t, res.Err, dogma.ErrWatchCancelled)

	// a later commit does not complete the watch again
	commitUpsert(t, repo, "/a.json", `{"x":1}`)
	select {
	case res := <-w.Done():
		t.Fatalf("cancelled watch completed twice: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchFileOnlyFiresOnValueChange(t *testing.T) {
	engine, _, repo := newTestEngine(t)
	commitUpsert(t, repo, "/a.json", `{"a":1,"b":1}`)
	base := repo.Head()

	query := &dogma.Query{Path: "/a.json", Type: dogma.JSONPath, Expressions: []string{"$.a"}}
	w, err := engine.WatchFile("foo", "bar", base, query, 0)
	require.NoError(t, err)

	// the watched part of the document did not change
	commitUpsert(t, repo, "/a.json", `{"a":1,"b":2}`)
	select {
	case res := <-w.Done():
		t.Fatalf("watch fired although the transformed value is unchanged: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}

	rev := commitUpsert(t, repo, "/a.json", `{"a":2,"b":2}`)
	select {
	case res := <-w.Done():
		require.NoError(t, res.Err)
		assert.Equal(t, rev, res.Revision)
		assert.Equal(t, "2", string(res.Entry.Content))
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not fire on a value change")
	}
}

func TestRepositoryRemovalCancelsWatchers(t *testing.T) {
	engine, pm, repo := newTestEngine(t)
	head := repo.Head()

	w, err := engine.WatchRepository("foo", "bar", head, "/**", 0)
	require.NoError(t, err)

	require.NoError(t, pm.RemoveRepository("foo", "bar"))

	select {
	case res := <-w.Done():
		var notFound *dogma.RepositoryNotFoundError
		require.ErrorAs(t, res.Err, &notFound)
	case <-time.After(time.Second):
		t.Fatal("removal did not cancel the watcher")
	}
}
