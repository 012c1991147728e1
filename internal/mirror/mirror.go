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

// Package mirror synchronizes repository contents with remote Git endpoints
// on cron schedules, in both directions, under access-control rules.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// Direction of a mirror.
type Direction string

const (
	LocalToRemote Direction = "LOCAL_TO_REMOTE"
	RemoteToLocal Direction = "REMOTE_TO_LOCAL"
)

// StateFileName is the sentinel entry recording the last synchronized
// revisions, reserved under the mirror's local path.
const StateFileName = "mirror_state.json"

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Mirror is a mirror descriptor, stored as a versioned entry in the meta
// repository under /repos/<repo>/mirrors/<id>.json.
type Mirror struct {
	ID           string    `json:"id"`
	Enabled      bool      `json:"enabled"`
	Direction    Direction `json:"direction"`
	Schedule     string    `json:"schedule"`
	LocalRepo    string    `json:"localRepo"`
	LocalPath    string    `json:"localPath"`
	RemoteURI    string    `json:"remoteUri"`
	RemotePath   string    `json:"remotePath"`
	RemoteBranch string    `json:"remoteBranch"`
	Gitignore    string    `json:"gitignore,omitempty"`
	CredentialID string    `json:"credentialId,omitempty"`
	Zone         string    `json:"zone,omitempty"`
}

// Validate checks the descriptor. Only the current file layout is accepted;
// a legacy combined descriptor must be migrated offline.
func (m *Mirror) Validate() error {
	if m.ID == "" {
		return &dogma.ValidationError{Reason: "mirror id must not be empty"}
	}
	switch m.Direction {
	case LocalToRemote, RemoteToLocal:
	default:
		return &dogma.ValidationError{Reason: fmt.Sprintf("unknown mirror direction %q", m.Direction)}
	}
	if _, err := cronParser.Parse(m.Schedule); err != nil {
		return &dogma.ValidationError{Reason: fmt.Sprintf("invalid schedule %q: %v", m.Schedule, err)}
	}
	if m.LocalRepo == "" {
		return &dogma.ValidationError{Reason: "localRepo must not be empty"}
	}
	if !strings.HasPrefix(m.LocalPath, "/") {
		return &dogma.ValidationError{Reason: "localPath must be absolute"}
	}
	if !strings.HasPrefix(m.RemotePath, "/") {
		return &dogma.ValidationError{Reason: "remotePath must be absolute"}
	}
	if m.RemoteBranch == "" {
		return &dogma.ValidationError{Reason: "remoteBranch must not be empty"}
	}
	if _, err := gitURL(m.RemoteURI); err != nil {
		return err
	}
	return nil
}

// gitURL strips the "git+" scheme prefix the descriptors carry.
func gitURL(uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, "git+https://"), strings.HasPrefix(uri, "git+http://"):
		return strings.TrimPrefix(uri, "git+"), nil
	case strings.HasPrefix(uri, "git+ssh://"):
		return strings.TrimPrefix(uri, "git+"), nil
	case strings.HasPrefix(uri, "git+file://"):
		return strings.TrimPrefix(uri, "git+file://"), nil
	}
	return "", &dogma.ValidationError{Reason: fmt.Sprintf("unsupported remote URI %q", uri)}
}

// StatePath returns the sentinel path for the mirror's local path.
func (m *Mirror) StatePath() string {
	base := strings.TrimSuffix(m.LocalPath, "/")
	return base + "/" + StateFileName
}

// State is the content of mirror_state.json. RemoteRevision and
// LocalRevision are authoritative; SourceRevision is written for
// compatibility and read only when they are absent.
type State struct {
	SourceRevision string `json:"sourceRevision,omitempty"`
	RemoteRevision string `json:"remoteRevision,omitempty"`
	RemotePath     string `json:"remotePath,omitempty"`
	LocalRevision  string `json:"localRevision,omitempty"`
	LocalPath      string `json:"localPath,omitempty"`
}

func (s *State) remoteRevision() string {
	if s.RemoteRevision != "" {
		return s.RemoteRevision
	}
	return s.SourceRevision
}

func (s *State) localRevision() string {
	if s.LocalRevision != "" {
		return s.LocalRevision
	}
	return s.SourceRevision
}

func mirrorPath(repo, id string) string {
	return fmt.Sprintf("/repos/%s/mirrors/%s.json", repo, id)
}

// Service reads and writes mirror descriptors and credentials in the meta
// repository, going through the command executor so every change is
// replicated and versioned.
type Service struct {
	store *storage.ProjectManager
	exec  *command.Executor
}

// NewService returns a mirror/credential service.
func NewService(store *storage.ProjectManager, exec *command.Executor) *Service {
	return &Service{store: store, exec: exec}
}

// List returns every mirror of a project.
func (s *Service) List(project string) ([]*Mirror, error) {
	meta, err := s.store.MetaRepository(project)
	if err != nil {
		return nil, err
	}
	entries, err := meta.Find(dogma.Head, "/repos/*/mirrors/*.json", nil)
	if err != nil {
		return nil, err
	}
	var mirrors []*Mirror
	for _, entry := range entries {
		if entry.Type != dogma.JSON {
			continue
		}
		m := new(Mirror)
		if err := json.Unmarshal(entry.Content, m); err != nil {
			log.Warnf("skipping malformed mirror descriptor %v in %v: %v", entry.Path, project, err)
			continue
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

// Get returns one mirror by id.
func (s *Service) Get(project, id string) (*Mirror, error) {
	mirrors, err := s.List(project)
	if err != nil {
		return nil, err
	}
	for _, m := range mirrors {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, &dogma.EntryNotFoundError{Rev: dogma.Head, Path: "/mirrors/" + id}
}

// Create stores a new mirror descriptor.
func (s *Service) Create(ctx context.Context, author dogma.Author, project string, m *Mirror) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return s.push(ctx, author, project,
		fmt.Sprintf("Create mirror %s", m.ID),
		mirrorPath(m.LocalRepo, m.ID), m)
}

// Update replaces an existing mirror descriptor.
func (s *Service) Update(ctx context.Context, author dogma.Author, project string, m *Mirror) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, err := s.Get(project, m.ID); err != nil {
		return err
	}
	return s.push(ctx, author, project,
		fmt.Sprintf("Update mirror %s", m.ID),
		mirrorPath(m.LocalRepo, m.ID), m)
}

// Delete removes a mirror descriptor.
func (s *Service) Delete(ctx context.Context, author dogma.Author, project, id string) error {
	m, err := s.Get(project, id)
	if err != nil {
		return err
	}
	meta, err := s.store.MetaRepository(project)
	if err != nil {
		return err
	}
	_, err = s.exec.Execute(ctx, command.NewPush(author, project, storage.MetaRepoName,
		meta.Head(),
		dogma.CommitMessage{Summary: fmt.Sprintf("Delete mirror %s", id)},
		[]*dogma.Change{dogma.NewRemove(mirrorPath(m.LocalRepo, id))}))
	return err
}

func (s *Service) push(ctx context.Context, author dogma.Author, project, summary, path string, v interface{}) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	meta, err := s.store.MetaRepository(project)
	if err != nil {
		return err
	}
	_, err = s.exec.Execute(ctx, command.NewPush(author, project, storage.MetaRepoName,
		meta.Head(),
		dogma.CommitMessage{Summary: summary},
		[]*dogma.Change{{Path: path, Type: dogma.UpsertJSON, Content: content}}))
	return err
}
