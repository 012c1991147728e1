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

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/encryption"
	"go.linecorp.com/centraldogma-server/internal/mirror"
	"go.linecorp.com/centraldogma-server/internal/storage"
	"go.linecorp.com/centraldogma-server/internal/watch"
)

func setup(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	store, err := storage.NewProjectManager(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	executor := command.NewExecutor(store, nil, command.NewMemoryLog())
	if err := executor.Start(command.Status{Writable: true, Replicating: true}); err != nil {
		t.Fatal(err)
	}

	wrapper, err := encryption.NewStaticKeyWrapper("kek-1", map[string][]byte{
		"kek-1": bytes.Repeat([]byte{7}, 32),
	})
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := encryption.NewSessionKeyStore(t.TempDir(), wrapper)
	if err != nil {
		t.Fatal(err)
	}

	engine := watch.NewEngine(store, 0, nil)
	mirrors := mirror.NewService(store, executor)
	access := mirror.NewAccessController(store, executor)

	srv := New(Config{
		Store:    store,
		Executor: executor,
		Watch:    engine,
		Mirrors:  mirrors,
		Access:   access,
		Sessions: sessions,
	})
	ts := httptest.NewServer(srv.Router())
	return ts, func() {
		ts.Close()
		executor.Stop()
	}
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func checkStatus(t *testing.T, res *http.Response, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("status = %v, want %v", res.StatusCode, want)
	}
	res.Body.Close()
}

func createProjectRepo(t *testing.T, base string) {
	t.Helper()
	res := doJSON(t, http.MethodPost, base+"/api/v1/projects", map[string]string{"name": "foo"})
	checkStatus(t, res, http.StatusCreated)
	res = doJSON(t, http.MethodPost, base+"/api/v1/projects/foo/repos", map[string]string{"name": "bar"})
	checkStatus(t, res, http.StatusCreated)
}

func TestPushAndGet(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	res := doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
		map[string]interface{}{
			"path":          "/a.json",
			"content":       map[string]int{"x": 1},
			"commitMessage": map[string]string{"summary": "Add /a.json"},
		})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("push status = %v, want 201", res.StatusCode)
	}
	var push struct {
		Revision int `json:"revision"`
	}
	if err := json.NewDecoder(res.Body).Decode(&push); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if push.Revision != 2 {
		t.Errorf("push revision = %v, want 2", push.Revision)
	}

	res = doJSON(t, http.MethodGet, ts.URL+"/api/v1/projects/foo/repos/bar/contents/a.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %v, want 200", res.StatusCode)
	}
	var entry struct {
		Path    string          `json:"path"`
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(res.Body).Decode(&entry); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if entry.Path != "/a.json" || entry.Type != "JSON" {
		t.Errorf("entry = %+v", entry)
	}
	if string(entry.Content) != `{"x":1}` {
		t.Errorf("content = %s, want {\"x\":1}", entry.Content)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	res := doJSON(t, http.MethodGet, ts.URL+"/api/v1/projects/foo/repos/bar/revision/-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %v, want 200", res.StatusCode)
	}
	var body struct {
		Revision int `json:"revision"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if body.Revision != 1 {
		t.Errorf("normalized revision = %v, want 1", body.Revision)
	}

	res = doJSON(t, http.MethodGet, ts.URL+"/api/v1/projects/foo/repos/bar/revision/99", nil)
	checkStatus(t, res, http.StatusNotFound)
}

func TestCommitConflict(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	push := func(revision string, value int) *http.Response {
		return doJSON(t, http.MethodPost,
			ts.URL+"/api/v1/projects/foo/repos/bar/contents?revision="+revision,
			map[string]interface{}{
				"path":          "/p.json",
				"content":       map[string]int{"v": value},
				"commitMessage": map[string]string{"summary": "set v"},
			})
	}
	// both clients fetched head=1
	checkStatus(t, push("1", 1), http.StatusCreated)
	checkStatus(t, push("1", 2), http.StatusConflict)
}

func TestRedundantChangeConflict(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	push := func() *http.Response {
		return doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
			map[string]interface{}{
				"path":          "/same.json",
				"content":       map[string]int{"v": 1},
				"commitMessage": map[string]string{"summary": "same"},
			})
	}
	checkStatus(t, push(), http.StatusCreated)
	checkStatus(t, push(), http.StatusConflict)
}

func TestWatchTimesOut(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	req, err := http.NewRequest(http.MethodGet,
		ts.URL+"/api/v1/projects/foo/repos/bar/contents/none.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("If-None-Match", "-1")
	req.Header.Set("Prefer", "wait=1")

	start := time.Now()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	checkStatus(t, res, http.StatusNotModified)
	if elapsed < 700*time.Millisecond {
		t.Errorf("long poll returned after %v, want at least the jittered timeout", elapsed)
	}
}

func TestWatchWakesOnCommit(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	res := doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
		map[string]interface{}{
			"path":          "/a.json",
			"content":       map[string]int{"x": 1},
			"commitMessage": map[string]string{"summary": "init"},
		})
	checkStatus(t, res, http.StatusCreated)

	go func() {
		time.Sleep(100 * time.Millisecond)
		res := doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
			map[string]interface{}{
				"path":          "/a.json",
				"content":       map[string]int{"x": 2},
				"commitMessage": map[string]string{"summary": "update"},
			})
		res.Body.Close()
	}()

	req, err := http.NewRequest(http.MethodGet,
		ts.URL+"/api/v1/projects/foo/repos/bar/contents/a.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("If-None-Match", "-1")
	req.Header.Set("Prefer", "wait=10")

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("watch status = %v, want 200", res.StatusCode)
	}
	var result struct {
		Revision int `json:"revision"`
		Entry    struct {
			Content json.RawMessage `json:"content"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if result.Revision != 3 {
		t.Errorf("watch revision = %v, want 3", result.Revision)
	}
	if string(result.Entry.Content) != `{"x":2}` {
		t.Errorf("watch content = %s, want {\"x\":2}", result.Entry.Content)
	}
}

func TestReadOnlyMode(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	res := doJSON(t, http.MethodPatch, ts.URL+"/api/v1/status",
		map[string]bool{"writable": false, "replicating": true})
	checkStatus(t, res, http.StatusOK)

	res = doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
		map[string]interface{}{
			"path":          "/a.json",
			"content":       map[string]int{"x": 1},
			"commitMessage": map[string]string{"summary": "nope"},
		})
	checkStatus(t, res, http.StatusServiceUnavailable)

	// the user endpoint still works and issues a signed session cookie
	res = doJSON(t, http.MethodGet, ts.URL+"/api/v1/users/me", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("users/me status = %v, want 200", res.StatusCode)
	}
	var hasSession bool
	for _, cookie := range res.Cookies() {
		if cookie.Name == sessionCookie && cookie.Value != "" {
			hasSession = true
		}
	}
	res.Body.Close()
	if !hasSession {
		t.Error("no session cookie issued in read-only mode")
	}

	// a no-op status change reports 304
	res = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/status?scope=LOCAL",
		map[string]bool{"writable": false, "replicating": true})
	checkStatus(t, res, http.StatusNotModified)

	res = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/status",
		map[string]bool{"writable": true, "replicating": true})
	checkStatus(t, res, http.StatusOK)
}

func TestHistoryAndCompare(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	for i := 1; i <= 3; i++ {
		res := doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
			map[string]interface{}{
				"path":          "/a.json",
				"content":       map[string]int{"x": i},
				"commitMessage": map[string]string{"summary": fmt.Sprintf("v%d", i)},
			})
		checkStatus(t, res, http.StatusCreated)
	}

	res := doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/projects/foo/repos/bar/commits/-1?to=1&path=/a.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("commits status = %v, want 200", res.StatusCode)
	}
	var commits []struct {
		Revision int `json:"revision"`
	}
	if err := json.NewDecoder(res.Body).Decode(&commits); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if len(commits) != 3 {
		t.Fatalf("len(commits) = %v, want 3", len(commits))
	}
	if commits[0].Revision != 4 {
		t.Errorf("commits[0].Revision = %v, want 4 (newest first)", commits[0].Revision)
	}

	res = doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/projects/foo/repos/bar/compare?from=2&to=4&path=/a.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("compare status = %v, want 200", res.StatusCode)
	}
	var change struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(res.Body).Decode(&change); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if change.Type != "APPLY_JSON_PATCH" {
		t.Errorf("change type = %v, want APPLY_JSON_PATCH", change.Type)
	}
}

func TestTreeListing(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	res := doJSON(t, http.MethodPost, ts.URL+"/api/v1/projects/foo/repos/bar/contents",
		map[string]interface{}{
			"path":          "/sub/a.json",
			"content":       map[string]int{"x": 1},
			"commitMessage": map[string]string{"summary": "add"},
		})
	checkStatus(t, res, http.StatusCreated)

	res = doJSON(t, http.MethodGet, ts.URL+"/api/v1/projects/foo/repos/bar/tree/", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tree status = %v, want 200", res.StatusCode)
	}
	var entries []struct {
		Path    string          `json:"path"`
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(res.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if len(entries) != 1 || entries[0].Path != "/sub" || entries[0].Type != "DIRECTORY" {
		t.Errorf("entries = %+v, want the /sub directory only", entries)
	}
}

func TestRemovedProjectLifecycleOverHTTP(t *testing.T) {
	ts, teardown := setup(t)
	defer teardown()
	createProjectRepo(t, ts.URL)

	res := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/projects/foo", nil)
	checkStatus(t, res, http.StatusNoContent)

	res = doJSON(t, http.MethodGet, ts.URL+"/api/v1/projects/foo/repos", nil)
	checkStatus(t, res, http.StatusNotFound)

	res = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/projects/foo",
		[]map[string]string{{"op": "replace", "path": "/status", "value": "active"}})
	checkStatus(t, res, http.StatusOK)

	res = doJSON(t, http.MethodGet, ts.URL+"/api/v1/projects/foo/repos", nil)
	checkStatus(t, res, http.StatusOK)
}
