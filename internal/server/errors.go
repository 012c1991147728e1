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
	"errors"
	"fmt"
	"net/http"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/mirror"
)

type errorBody struct {
	Message   string `json:"message"`
	Exception string `json:"exception,omitempty"`
}

// writeError maps a core error onto the HTTP status taxonomy and the
// standard error body.
func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusNotModified {
		w.WriteHeader(code)
		return
	}
	if code == http.StatusInternalServerError {
		log.Errorf("internal error: %+v", err)
	}
	writeJSON(w, code, &errorBody{Message: err.Error(), Exception: fmt.Sprintf("%T", err)})
}

func statusOf(err error) int {
	var (
		validation  *dogma.ValidationError
		invalidPath *dogma.InvalidPathError
		queryExec   *dogma.QueryExecutionError
		revNotFound *dogma.RevisionNotFoundError
		entNotFound *dogma.EntryNotFoundError
		prjNotFound *dogma.ProjectNotFoundError
		repNotFound *dogma.RepositoryNotFoundError
		prjExists   *dogma.ProjectExistsError
		repExists   *dogma.RepositoryExistsError
		conflict    *dogma.ChangeConflictError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &invalidPath), errors.As(err, &queryExec):
		return http.StatusBadRequest
	case errors.As(err, &revNotFound), errors.As(err, &entNotFound),
		errors.As(err, &prjNotFound), errors.As(err, &repNotFound):
		return http.StatusNotFound
	case errors.As(err, &prjExists), errors.As(err, &repExists), errors.As(err, &conflict),
		errors.Is(err, dogma.ErrRedundantChange):
		return http.StatusConflict
	case errors.Is(err, command.ErrNotModified), errors.Is(err, dogma.ErrWatchCancelled):
		return http.StatusNotModified
	case errors.Is(err, dogma.ErrReadOnly), errors.Is(err, dogma.ErrServerStopping):
		return http.StatusServiceUnavailable
	case errors.Is(err, mirror.ErrDisallowed):
		return http.StatusForbidden
	case errors.Is(err, dogma.ErrQueryMustBeSet):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
