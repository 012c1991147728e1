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
	"net/http"

	"github.com/gorilla/mux"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/mirror"
)

type mirrorView struct {
	*mirror.Mirror
	LastResult *mirror.Result `json:"lastResult,omitempty"`
}

func (s *Server) mirrorView(project string, m *mirror.Mirror) *mirrorView {
	view := &mirrorView{Mirror: m}
	if s.cfg.Scheduler != nil {
		view.LastResult = s.cfg.Scheduler.LastResult(project, m.ID)
	}
	return view
}

func (s *Server) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	mirrors, err := s.cfg.Mirrors.List(project)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]*mirrorView, 0, len(mirrors))
	for _, m := range mirrors {
		views = append(views, s.mirrorView(project, m))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetMirror(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := s.cfg.Mirrors.Get(vars["project"], vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mirrorView(vars["project"], m))
}

func (s *Server) handleCreateMirror(w http.ResponseWriter, r *http.Request) {
	var m mirror.Mirror
	if err := readBody(r, &m); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Mirrors.Create(ctx, principal(r), mux.Vars(r)["project"], &m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (s *Server) handleUpdateMirror(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var m mirror.Mirror
	if err := readBody(r, &m); err != nil {
		writeError(w, err)
		return
	}
	if m.ID == "" {
		m.ID = vars["id"]
	}
	if m.ID != vars["id"] {
		writeError(w, &dogma.ValidationError{Reason: "mirror id does not match the request path"})
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Mirrors.Update(ctx, principal(r), vars["project"], &m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &m)
}

func (s *Server) handleDeleteMirror(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Mirrors.Delete(ctx, principal(r), vars["project"], vars["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunMirror(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := s.cfg.Scheduler.RunNow(r.Context(), vars["project"], vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.cfg.Mirrors.ListCredentials(mux.Vars(r)["project"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cred, err := s.cfg.Mirrors.GetCredential(vars["project"], "", vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var c mirror.Credential
	if err := readBody(r, &c); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Mirrors.CreateCredential(ctx, principal(r), mux.Vars(r)["project"], &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &c)
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var c mirror.Credential
	if err := readBody(r, &c); err != nil {
		writeError(w, err)
		return
	}
	if c.ID == "" {
		c.ID = vars["id"]
	}
	if c.ID != vars["id"] {
		writeError(w, &dogma.ValidationError{Reason: "credential id does not match the request path"})
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Mirrors.UpdateCredential(ctx, principal(r), vars["project"], &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &c)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Mirrors.DeleteCredential(ctx, principal(r), vars["project"], vars["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAccessRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.cfg.Access.Rules()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handlePutAccessRule(w http.ResponseWriter, r *http.Request) {
	var rule mirror.AccessRule
	if err := readBody(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		rule.ID = id
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Access.PutRule(ctx, principal(r), &rule); err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if r.Method == http.MethodPost {
		code = http.StatusCreated
	}
	writeJSON(w, code, &rule)
}

func (s *Server) handleDeleteAccessRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := commandContext(r)
	defer cancel()
	if err := s.cfg.Access.DeleteRule(ctx, principal(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
