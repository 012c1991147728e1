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
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
	"go.linecorp.com/centraldogma-server/internal/watch"
)

func repoOf(s *Server, r *http.Request) (*storage.Repository, error) {
	vars := mux.Vars(r)
	return s.cfg.Store.Repository(vars["project"], vars["repo"])
}

func revisionParam(r *http.Request, name string, def dogma.Revision) (dogma.Revision, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	rev, err := dogma.ParseRevision(raw)
	if err != nil {
		return 0, &dogma.ValidationError{Reason: err.Error()}
	}
	return rev, nil
}

func queryOf(path string, values map[string][]string) *dogma.Query {
	query := &dogma.Query{Path: path, Type: dogma.Identity}
	if expressions, ok := values["jsonpath"]; ok && len(expressions) > 0 {
		query.Type = dogma.JSONPath
		query.Expressions = expressions
	}
	return query
}

func isPattern(path string) bool {
	return strings.ContainsAny(path, "*,{}") || path == "" || strings.HasSuffix(path, "/")
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	repo, err := repoOf(s, r)
	if err != nil {
		writeError(w, err)
		return
	}
	rev, err := revisionParam(r, "revision", dogma.Head)
	if err != nil {
		writeError(w, err)
		return
	}
	pattern := mux.Vars(r)["path"]
	switch {
	case pattern == "" || pattern == "/":
		pattern = "/*"
	case strings.HasSuffix(pattern, "/"):
		pattern += "*"
	case !strings.ContainsAny(pattern, "*,{}"):
		pattern += "/*"
	}
	entries, err := repo.Find(rev, pattern, &storage.FindOptions{FetchContent: false, MaxEntries: -1})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetContents(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("If-None-Match") != "" {
		s.handleWatch(w, r)
		return
	}
	repo, err := repoOf(s, r)
	if err != nil {
		writeError(w, err)
		return
	}
	rev, err := revisionParam(r, "revision", dogma.Head)
	if err != nil {
		writeError(w, err)
		return
	}
	path := mux.Vars(r)["path"]
	if isPattern(path) {
		entries, err := repo.Find(rev, path, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	entry, err := repo.Get(rev, queryOf(path, r.URL.Query()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleWatch long-polls: If-None-Match carries the last known revision and
// Prefer: wait=<seconds> the timeout. A matching commit returns the new
// value; a timeout returns 304.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lastKnown, err := dogma.ParseRevision(strings.Trim(r.Header.Get("If-None-Match"), `W/"`))
	if err != nil {
		writeError(w, &dogma.ValidationError{Reason: "invalid If-None-Match revision"})
		return
	}
	timeout := watchTimeout(r)
	path := vars["path"]

	var (
		wt  *watch.Watch
		err2 error
	)
	if isPattern(path) {
		wt, err2 = s.cfg.Watch.WatchRepository(vars["project"], vars["repo"], lastKnown, path, timeout)
	} else {
		wt, err2 = s.cfg.Watch.WatchFile(vars["project"], vars["repo"], lastKnown,
			queryOf(path, r.URL.Query()), timeout)
	}
	if err2 != nil {
		writeError(w, err2)
		return
	}

	var res watch.Result
	select {
	case res = <-wt.Done():
	case <-r.Context().Done():
		// the client went away; detach cleanly
		wt.Cancel()
		<-wt.Done()
		return
	}
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	body := map[string]interface{}{"revision": res.Revision}
	if res.Entry != nil {
		body["entry"] = res.Entry
	}
	writeJSON(w, http.StatusOK, body)
}

func watchTimeout(r *http.Request) time.Duration {
	prefer := r.Header.Get("Prefer")
	const waitPrefix = "wait="
	if idx := strings.Index(prefer, waitPrefix); idx >= 0 {
		raw := prefer[idx+len(waitPrefix):]
		if end := strings.IndexAny(raw, ",; "); end >= 0 {
			raw = raw[:end]
		}
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Minute
}

type pushRequest struct {
	CommitMessage dogma.CommitMessage `json:"commitMessage"`
	Changes       []*dogma.Change     `json:"changes,omitempty"`

	// single-file upsert form
	Path    string             `json:"path,omitempty"`
	Content dogma.EntryContent `json:"content,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var body pushRequest
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	changes := body.Changes
	if len(changes) == 0 && body.Path != "" {
		changes = []*dogma.Change{dogma.NewUpsert(body.Path, body.Content)}
	}
	base, err := revisionParam(r, "revision", dogma.Head)
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	result, err := s.cfg.Executor.Execute(ctx, command.NewPush(principal(r),
		vars["project"], vars["repo"], base, body.CommitMessage, changes))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handlePatchContent applies a JSON patch (application/json-patch+json body)
// or a text patch ({"commitMessage":..., "content": "<unified diff>"}) to a
// single entry.
func (s *Server) handlePatchContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := vars["path"]
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &dogma.ValidationError{Reason: "unreadable request body"})
		return
	}

	var (
		change *dogma.Change
		msg    dogma.CommitMessage
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json-patch+json") {
		change = &dogma.Change{Path: path, Type: dogma.ApplyJSONPatch, Content: data}
		msg = dogma.CommitMessage{Summary: "Patch " + path}
	} else {
		var body struct {
			CommitMessage dogma.CommitMessage `json:"commitMessage"`
			Content       string              `json:"content"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, &dogma.ValidationError{Reason: "malformed patch request"})
			return
		}
		change = &dogma.Change{Path: path, Type: dogma.ApplyTextPatch, Content: []byte(body.Content)}
		msg = body.CommitMessage
		if msg.Summary == "" {
			msg.Summary = "Patch " + path
		}
	}

	base, err := revisionParam(r, "revision", dogma.Head)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	result, err := s.cfg.Executor.Execute(ctx, command.NewPush(principal(r),
		vars["project"], vars["repo"], base, msg, []*dogma.Change{change}))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	base, err := revisionParam(r, "revision", dogma.Head)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	if _, err := s.cfg.Executor.Execute(ctx, command.NewPush(principal(r),
		vars["project"], vars["repo"], base,
		dogma.CommitMessage{Summary: "Delete " + vars["path"]},
		[]*dogma.Change{dogma.NewRemove(vars["path"])})); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	repo, err := repoOf(s, r)
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := dogma.ParseRevision(mux.Vars(r)["revision"])
	if err != nil {
		writeError(w, &dogma.ValidationError{Reason: err.Error()})
		return
	}
	to, err := revisionParam(r, "to", dogma.Init)
	if err != nil {
		writeError(w, err)
		return
	}
	pattern := r.URL.Query().Get("path")
	maxCommits := 0
	if raw := r.URL.Query().Get("maxCommits"); raw != "" {
		maxCommits, err = strconv.Atoi(raw)
		if err != nil || maxCommits <= 0 {
			writeError(w, &dogma.ValidationError{Reason: "maxCommits must be a positive number"})
			return
		}
	}
	commits, err := repo.History(from, to, pattern, maxCommits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	repo, err := repoOf(s, r)
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := revisionParam(r, "from", dogma.Init)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := revisionParam(r, "to", dogma.Head)
	if err != nil {
		writeError(w, err)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		change, err := repo.DiffQuery(from, to, queryOf(path, r.URL.Query()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, change)
		return
	}
	pattern := r.URL.Query().Get("pathPattern")
	changes, err := repo.Diff(from, to, pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}
