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
	"errors"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

// SystemProject hosts server-wide configuration such as the mirror
// access-control rules.
const SystemProject = "dogma"

const accessRuleDir = "/mirror-access-control/"

// AccessRule is one ordered allow/deny entry. The target pattern is a glob
// matched against the whole remote URI.
type AccessRule struct {
	ID            string `json:"id"`
	TargetPattern string `json:"targetPattern"`
	Allow         bool   `json:"allow"`
	Order         int    `json:"order"`
	Description   string `json:"description,omitempty"`
}

// Validate checks the rule.
func (r *AccessRule) Validate() error {
	if r.ID == "" {
		return &dogma.ValidationError{Reason: "access rule id must not be empty"}
	}
	if !doublestar.ValidatePattern(r.TargetPattern) {
		return &dogma.ValidationError{Reason: fmt.Sprintf("malformed target pattern %q", r.TargetPattern)}
	}
	return nil
}

// AccessController decides whether a mirror may reach a remote URI. Rules are
// versioned entries in the system project's meta repository; the first match
// by order wins and the default is deny.
type AccessController struct {
	store *storage.ProjectManager
	exec  *command.Executor
}

// NewAccessController returns a controller over the system project. It does
// not create the system project; while that project is absent, Rules reports
// no rules and every remote is denied.
func NewAccessController(store *storage.ProjectManager, exec *command.Executor) *AccessController {
	return &AccessController{store: store, exec: exec}
}

// Rules returns the ordered rule list.
func (a *AccessController) Rules() ([]*AccessRule, error) {
	meta, err := a.store.MetaRepository(SystemProject)
	if err != nil {
		var notFound *dogma.ProjectNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil // no system project yet: default deny
		}
		return nil, err
	}
	entries, err := meta.Find(dogma.Head, accessRuleDir+"*.json", nil)
	if err != nil {
		return nil, err
	}
	var rules []*AccessRule
	for _, entry := range entries {
		if entry.Type != dogma.JSON {
			continue
		}
		rule := new(AccessRule)
		if err := json.Unmarshal(entry.Content, rule); err != nil {
			log.Warnf("skipping malformed access rule %v: %v", entry.Path, err)
			continue
		}
		rules = append(rules, rule)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
	return rules, nil
}

// IsAllowed applies the first matching rule to the remote URI; no match
// denies.
func (a *AccessController) IsAllowed(remoteURI string) bool {
	rules, err := a.Rules()
	if err != nil {
		log.Errorf("failed to load mirror access rules: %v", err)
		return false
	}
	for _, rule := range rules {
		if ok, err := doublestar.Match(rule.TargetPattern, remoteURI); err == nil && ok {
			return rule.Allow
		}
	}
	return false
}

// PutRule creates or replaces a rule.
func (a *AccessController) PutRule(ctx context.Context, author dogma.Author, rule *AccessRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	content, err := json.MarshalIndent(rule, "", "  ")
	if err != nil {
		return err
	}
	meta, err := a.store.MetaRepository(SystemProject)
	if err != nil {
		return err
	}
	_, err = a.exec.Execute(ctx, command.NewPush(author, SystemProject, storage.MetaRepoName,
		meta.Head(),
		dogma.CommitMessage{Summary: fmt.Sprintf("Put mirror access rule %s", rule.ID)},
		[]*dogma.Change{{
			Path:    accessRuleDir + rule.ID + ".json",
			Type:    dogma.UpsertJSON,
			Content: content,
		}}))
	return err
}

// DeleteRule removes a rule.
func (a *AccessController) DeleteRule(ctx context.Context, author dogma.Author, id string) error {
	meta, err := a.store.MetaRepository(SystemProject)
	if err != nil {
		return err
	}
	_, err = a.exec.Execute(ctx, command.NewPush(author, SystemProject, storage.MetaRepoName,
		meta.Head(),
		dogma.CommitMessage{Summary: fmt.Sprintf("Delete mirror access rule %s", id)},
		[]*dogma.Change{dogma.NewRemove(accessRuleDir + id + ".json")}))
	return err
}
