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
	"net/http"

	"github.com/gorilla/mux"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	removed := r.URL.Query().Get("status") == "removed"
	writeJSON(w, http.StatusOK, s.cfg.Store.ListProjects(removed))
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	result, err := s.cfg.Executor.Execute(ctx, command.NewCreateProject(principal(r), body.Name))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := commandContext(r)
	defer cancel()
	if _, err := s.cfg.Executor.Execute(ctx,
		command.NewRemoveProject(principal(r), mux.Vars(r)["project"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnremoveProject expects a JSON patch restoring /status to active.
func (s *Server) handleUnremoveProject(w http.ResponseWriter, r *http.Request) {
	if err := checkUnremovePatch(r); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	result, err := s.cfg.Executor.Execute(ctx,
		command.NewUnremoveProject(principal(r), mux.Vars(r)["project"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// checkUnremovePatch validates the only JSON patch the unremove endpoints
// accept: [{"op":"replace","path":"/status","value":"active"}].
func checkUnremovePatch(r *http.Request) error {
	var ops []struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		return &dogma.ValidationError{Reason: "malformed JSON patch"}
	}
	if len(ops) != 1 || ops[0].Op != "replace" || ops[0].Path != "/status" || ops[0].Value != "active" {
		return &dogma.ValidationError{Reason: `expected [{"op":"replace","path":"/status","value":"active"}]`}
	}
	return nil
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	removed := r.URL.Query().Get("status") == "removed"
	infos, err := s.cfg.Store.ListRepositories(mux.Vars(r)["project"], removed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Encrypt bool   `json:"encrypt,omitempty"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	result, err := s.cfg.Executor.Execute(ctx,
		command.NewCreateRepository(principal(r), mux.Vars(r)["project"], body.Name, body.Encrypt))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleRemoveRepo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	if _, err := s.cfg.Executor.Execute(ctx,
		command.NewRemoveRepository(principal(r), vars["project"], vars["repo"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnremoveRepo(w http.ResponseWriter, r *http.Request) {
	if err := checkUnremovePatch(r); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	result, err := s.cfg.Executor.Execute(ctx,
		command.NewUnremoveRepository(principal(r), vars["project"], vars["repo"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePurgeRepo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	if _, err := s.cfg.Executor.Execute(ctx,
		command.NewPurgeRepository(principal(r), vars["project"], vars["repo"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, err := s.cfg.Store.Repository(vars["project"], vars["repo"])
	if err != nil {
		writeError(w, err)
		return
	}
	rev, err := dogma.ParseRevision(vars["revision"])
	if err != nil {
		writeError(w, &dogma.ValidationError{Reason: err.Error()})
		return
	}
	abs, err := repo.Normalize(rev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]dogma.Revision{"revision": abs})
}

func (s *Server) handleRepoStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status storage.RepositoryStatus `json:"status"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Status != storage.StatusActive && body.Status != storage.StatusReadOnly {
		writeError(w, &dogma.ValidationError{Reason: "status must be ACTIVE or READ_ONLY"})
		return
	}
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	if _, err := s.cfg.Executor.Execute(ctx,
		command.NewUpdateRepositoryStatus(principal(r), vars["project"], vars["repo"], body.Status)); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.cfg.Store.RepositoryMeta(vars["project"], vars["repo"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	// migration rewrites every blob under the same request timeout as a plain
	// command; it gets no extra time
	ctx, cancel := commandContext(r)
	defer cancel()
	if _, err := s.cfg.Executor.Execute(ctx,
		command.NewMigrateEncryption(principal(r), vars["project"], vars["repo"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
