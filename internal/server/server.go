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

// Package server exposes the core over HTTP/JSON: the project, repository,
// content, watch, mirror and status endpoints of the v1 API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/encryption"
	"go.linecorp.com/centraldogma-server/internal/mirror"
	"go.linecorp.com/centraldogma-server/internal/storage"
	"go.linecorp.com/centraldogma-server/internal/watch"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

const apiPrefix = "/api/v1"

// Config wires the server to the core subsystems. Sessions may be nil when
// encryption is not configured.
type Config struct {
	Addr      string
	Store     *storage.ProjectManager
	Executor  *command.Executor
	Watch     *watch.Engine
	Mirrors   *mirror.Service
	Scheduler *mirror.Scheduler
	Access    *mirror.AccessController
	Sessions  *encryption.SessionKeyStore
}

// Server is the HTTP front of the core.
type Server struct {
	cfg  Config
	http *http.Server
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}
	handler := h2c.NewHandler(s.Router(), &http2.Server{})
	s.http = &http.Server{Addr: cfg.Addr, Handler: handler}
	return s
}

// Router returns the route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix(apiPrefix).Subrouter()

	api.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}", s.handleRemoveProject).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{project}", s.handleUnremoveProject).Methods(http.MethodPatch)

	api.HandleFunc("/projects/{project}/repos", s.handleListRepos).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/repos", s.handleCreateRepo).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/repos/{repo}/removed", s.handlePurgeRepo).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{project}/repos/{repo}", s.handleRemoveRepo).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{project}/repos/{repo}", s.handleUnremoveRepo).Methods(http.MethodPatch)
	api.HandleFunc("/projects/{project}/repos/{repo}/revision/{revision}", s.handleNormalize).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/repos/{repo}/status", s.handleRepoStatus).Methods(http.MethodPut)
	api.HandleFunc("/projects/{project}/repos/{repo}/migrate/encrypted", s.handleMigrate).Methods(http.MethodPost)

	api.HandleFunc("/projects/{project}/repos/{repo}/tree{path:.*}", s.handleTree).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/repos/{repo}/contents{path:.*}", s.handleGetContents).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/repos/{repo}/contents", s.handlePush).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/repos/{repo}/contents{path:.*}", s.handlePatchContent).Methods(http.MethodPatch)
	api.HandleFunc("/projects/{project}/repos/{repo}/contents{path:.*}", s.handleDeleteContent).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{project}/repos/{repo}/commits/{revision}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/repos/{repo}/compare", s.handleCompare).Methods(http.MethodGet)

	api.HandleFunc("/projects/{project}/mirrors", s.handleListMirrors).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/mirrors", s.handleCreateMirror).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/mirrors/{id}/run", s.handleRunMirror).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/mirrors/{id}", s.handleGetMirror).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/mirrors/{id}", s.handleUpdateMirror).Methods(http.MethodPut)
	api.HandleFunc("/projects/{project}/mirrors/{id}", s.handleDeleteMirror).Methods(http.MethodDelete)

	api.HandleFunc("/projects/{project}/credentials", s.handleListCredentials).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/credentials", s.handleCreateCredential).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/credentials/{id}", s.handleGetCredential).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/credentials/{id}", s.handleUpdateCredential).Methods(http.MethodPut)
	api.HandleFunc("/projects/{project}/credentials/{id}", s.handleDeleteCredential).Methods(http.MethodDelete)

	api.HandleFunc("/mirror/access", s.handleListAccessRules).Methods(http.MethodGet)
	api.HandleFunc("/mirror/access", s.handlePutAccessRule).Methods(http.MethodPost)
	api.HandleFunc("/mirror/access/{id}", s.handlePutAccessRule).Methods(http.MethodPut)
	api.HandleFunc("/mirror/access/{id}", s.handleDeleteAccessRule).Methods(http.MethodDelete)

	api.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleUpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/users/me", s.handleMe).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	log.Infof("listening on %v", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// principal extracts the opaque user identity attached by the authentication
// layer in front of the core. Anonymous when absent.
func principal(r *http.Request) dogma.Author {
	name := "anonymous"
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if token := strings.TrimPrefix(auth, "Bearer "); token != "" {
			name = token
		}
	}
	if user := r.Header.Get("X-Forwarded-User"); user != "" {
		name = user
	}
	return dogma.Author{Name: name, Email: name + "@localhost.localdomain"}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("failed to write a response: %v", err)
	}
}

func readBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &dogma.ValidationError{Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

// requestTimeout bounds command execution on behalf of a request.
const requestTimeout = 30 * time.Second

func commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
