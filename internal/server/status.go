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

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
)

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Executor.CurrentStatus())
}

// handleUpdateStatus switches the server between writable, read-only and
// non-replicating. The scope query selects this node only or every replica.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var status command.Status
	if err := readBody(r, &status); err != nil {
		writeError(w, err)
		return
	}
	scope := command.Scope(r.URL.Query().Get("scope"))
	switch scope {
	case "":
		scope = command.ScopeAll
	case command.ScopeLocal, command.ScopeAll:
	default:
		writeError(w, &dogma.ValidationError{Reason: "scope must be LOCAL or ALL"})
		return
	}
	ctx, cancel := commandContext(r)
	defer cancel()
	updated, err := s.cfg.Executor.UpdateStatus(ctx, principal(r), status, scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
