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

// Package command linearizes every mutation of the server. Commands are
// proposed to the replication log, applied by a single applier goroutine in
// log order and replayed identically on every replica.
package command

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

// Type identifies a command.
type Type string

const (
	TypeCreateProject      Type = "CREATE_PROJECT"
	TypeRemoveProject      Type = "REMOVE_PROJECT"
	TypeUnremoveProject    Type = "UNREMOVE_PROJECT"
	TypeCreateRepository   Type = "CREATE_REPOSITORY"
	TypeRemoveRepository   Type = "REMOVE_REPOSITORY"
	TypeUnremoveRepository Type = "UNREMOVE_REPOSITORY"
	TypePurgeRepository    Type = "PURGE_REPOSITORY"
	TypePush               Type = "PUSH"
	TypeUpdateServerStatus Type = "UPDATE_SERVER_STATUS"
	TypeUpdateRepoStatus   Type = "UPDATE_REPOSITORY_STATUS"
	TypeMigrateEncryption  Type = "MIGRATE_REPOSITORY_ENCRYPTION"
)

// Command is the unit of the replicated mutation log.
type Command struct {
	ID        string       `json:"id"`
	Type      Type         `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Author    dogma.Author `json:"author"`

	Project    string `json:"project,omitempty"`
	Repository string `json:"repository,omitempty"`

	// push payload
	BaseRevision  dogma.Revision      `json:"baseRevision,omitempty"`
	CommitMessage dogma.CommitMessage `json:"commitMessage,omitempty"`
	Changes       []*dogma.Change     `json:"changes,omitempty"`

	// repository creation
	Encrypt bool `json:"encrypt,omitempty"`

	// status updates
	ServerStatus *Status                  `json:"serverStatus,omitempty"`
	RepoStatus   storage.RepositoryStatus `json:"repoStatus,omitempty"`
}

func newCommand(typ Type, author dogma.Author) *Command {
	return &Command{
		ID:        commandID(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Author:    author,
	}
}

func commandID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// the id only needs to be unique among in-flight commands
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}

// NewCreateProject returns a command creating a project.
func NewCreateProject(author dogma.Author, project string) *Command {
	c := newCommand(TypeCreateProject, author)
	c.Project = project
	return c
}

// NewRemoveProject returns a command tombstoning a project.
func NewRemoveProject(author dogma.Author, project string) *Command {
	c := newCommand(TypeRemoveProject, author)
	c.Project = project
	return c
}

// NewUnremoveProject returns a command restoring a tombstoned project.
func NewUnremoveProject(author dogma.Author, project string) *Command {
	c := newCommand(TypeUnremoveProject, author)
	c.Project = project
	return c
}

// NewCreateRepository returns a command creating a repository.
func NewCreateRepository(author dogma.Author, project, repo string, encrypt bool) *Command {
	c := newCommand(TypeCreateRepository, author)
	c.Project = project
	c.Repository = repo
	c.Encrypt = encrypt
	return c
}

// NewRemoveRepository returns a command tombstoning a repository.
func NewRemoveRepository(author dogma.Author, project, repo string) *Command {
	c := newCommand(TypeRemoveRepository, author)
	c.Project = project
	c.Repository = repo
	return c
}

// NewUnremoveRepository returns a command restoring a tombstoned repository.
func NewUnremoveRepository(author dogma.Author, project, repo string) *Command {
	c := newCommand(TypeUnremoveRepository, author)
	c.Project = project
	c.Repository = repo
	return c
}

// NewPurgeRepository returns a command purging a tombstoned repository.
func NewPurgeRepository(author dogma.Author, project, repo string) *Command {
	c := newCommand(TypePurgeRepository, author)
	c.Project = project
	c.Repository = repo
	return c
}

// NewPush returns a command committing changes on top of baseRevision.
func NewPush(author dogma.Author, project, repo string, baseRevision dogma.Revision,
	msg dogma.CommitMessage, changes []*dogma.Change) *Command {
	c := newCommand(TypePush, author)
	c.Project = project
	c.Repository = repo
	c.BaseRevision = baseRevision
	c.CommitMessage = msg
	c.Changes = changes
	return c
}

// NewUpdateServerStatus returns a command changing the server status on all
// replicas.
func NewUpdateServerStatus(author dogma.Author, status Status) *Command {
	c := newCommand(TypeUpdateServerStatus, author)
	c.ServerStatus = &status
	return c
}

// NewUpdateRepositoryStatus returns a command switching a repository between
// ACTIVE and READ_ONLY.
func NewUpdateRepositoryStatus(author dogma.Author, project, repo string,
	status storage.RepositoryStatus) *Command {
	c := newCommand(TypeUpdateRepoStatus, author)
	c.Project = project
	c.Repository = repo
	c.RepoStatus = status
	return c
}

// NewMigrateEncryption returns a command migrating a repository to encrypted
// storage.
func NewMigrateEncryption(author dogma.Author, project, repo string) *Command {
	c := newCommand(TypeMigrateEncryption, author)
	c.Project = project
	c.Repository = repo
	return c
}
