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

package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/oauth2"

	"github.com/go-git/go-git/v5/plumbing/transport"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

// CredentialType selects how a mirror authenticates against its remote.
type CredentialType string

const (
	CredentialNone        CredentialType = "none"
	CredentialPassword    CredentialType = "password"
	CredentialAccessToken CredentialType = "access_token"
	CredentialSSHKey      CredentialType = "ssh_key"
)

// Credential is stored under /credentials/<id>.json of the meta repository,
// or under /repos/<repo>/credentials/<id>.json when scoped to one
// repository.
type Credential struct {
	ID   string         `json:"id"`
	Type CredentialType `json:"type"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	AccessToken string `json:"accessToken,omitempty"`

	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate checks the fields required by the credential type.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return &dogma.ValidationError{Reason: "credential id must not be empty"}
	}
	switch c.Type {
	case CredentialNone:
	case CredentialPassword:
		if c.Username == "" {
			return &dogma.ValidationError{Reason: "password credential requires a username"}
		}
	case CredentialAccessToken:
		if c.AccessToken == "" {
			return &dogma.ValidationError{Reason: "access token credential requires a token"}
		}
	case CredentialSSHKey:
		if c.PrivateKey == "" {
			return &dogma.ValidationError{Reason: "ssh key credential requires a private key"}
		}
	default:
		return &dogma.ValidationError{Reason: fmt.Sprintf("unknown credential type %q", c.Type)}
	}
	return nil
}

// TokenSource exposes an access-token credential as an oauth2 token source
// for consumers that speak HTTP rather than git.
func (c *Credential) TokenSource() oauth2.TokenSource {
	if c.Type != CredentialAccessToken {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken})
}

// AuthMethod converts the credential into a go-git transport authentication.
func (c *Credential) AuthMethod() (transport.AuthMethod, error) {
	switch c.Type {
	case CredentialNone:
		return nil, nil
	case CredentialPassword:
		return &githttp.BasicAuth{Username: c.Username, Password: c.Password}, nil
	case CredentialAccessToken:
		token, err := c.TokenSource().Token()
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "token", Password: token.AccessToken}, nil
	case CredentialSSHKey:
		keys, err := gitssh.NewPublicKeys("git", []byte(c.PrivateKey), c.Passphrase)
		if err != nil {
			return nil, &dogma.ValidationError{Reason: fmt.Sprintf("invalid ssh key: %v", err)}
		}
		return keys, nil
	}
	return nil, &dogma.ValidationError{Reason: fmt.Sprintf("unknown credential type %q", c.Type)}
}

func credentialPath(id string) string {
	return fmt.Sprintf("/credentials/%s.json", id)
}

func repoCredentialPath(repo, id string) string {
	return fmt.Sprintf("/repos/%s/credentials/%s.json", repo, id)
}

// ListCredentials returns the project-level credentials together with the
// repository-scoped ones of the project.
func (s *Service) ListCredentials(project string) ([]*Credential, error) {
	meta, err := s.store.MetaRepository(project)
	if err != nil {
		return nil, err
	}
	entries, err := meta.Find(dogma.Head, "/credentials/*.json,/repos/*/credentials/*.json", nil)
	if err != nil {
		return nil, err
	}
	var creds []*Credential
	for _, entry := range entries {
		if entry.Type != dogma.JSON {
			continue
		}
		c := new(Credential)
		if err := json.Unmarshal(entry.Content, c); err != nil {
			log.Warnf("skipping malformed credential %v in %v: %v", entry.Path, project, err)
			continue
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// GetCredential returns a credential by id, preferring the repository-scoped
// one when repo is not empty.
func (s *Service) GetCredential(project, repo, id string) (*Credential, error) {
	meta, err := s.store.MetaRepository(project)
	if err != nil {
		return nil, err
	}
	paths := []string{credentialPath(id)}
	if repo != "" {
		paths = []string{repoCredentialPath(repo, id), credentialPath(id)}
	}
	for _, path := range paths {
		entry, err := meta.Get(dogma.Head, &dogma.Query{Path: path, Type: dogma.Identity})
		if err != nil {
			continue
		}
		c := new(Credential)
		if err := json.Unmarshal(entry.Content, c); err != nil {
			return nil, &dogma.ValidationError{Reason: fmt.Sprintf("malformed credential %v: %v", path, err)}
		}
		return c, nil
	}
	return nil, &dogma.EntryNotFoundError{Rev: dogma.Head, Path: credentialPath(id)}
}

// CreateCredential stores a project-level credential.
func (s *Service) CreateCredential(ctx context.Context, author dogma.Author, project string, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.push(ctx, author, project,
		fmt.Sprintf("Create credential %s", c.ID), credentialPath(c.ID), c)
}

// UpdateCredential replaces a project-level credential.
func (s *Service) UpdateCredential(ctx context.Context, author dogma.Author, project string, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := s.GetCredential(project, "", c.ID); err != nil {
		return err
	}
	return s.push(ctx, author, project,
		fmt.Sprintf("Update credential %s", c.ID), credentialPath(c.ID), c)
}

// DeleteCredential removes a project-level credential.
func (s *Service) DeleteCredential(ctx context.Context, author dogma.Author, project, id string) error {
	if _, err := s.GetCredential(project, "", id); err != nil {
		return err
	}
	meta, err := s.store.MetaRepository(project)
	if err != nil {
		return err
	}
	_, err = s.exec.Execute(ctx, command.NewPush(author, project, storage.MetaRepoName,
		meta.Head(),
		dogma.CommitMessage{Summary: fmt.Sprintf("Delete credential %s", id)},
		[]*dogma.Change{dogma.NewRemove(credentialPath(id))}))
	return err
}
