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
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	dogma "go.linecorp.com/centraldogma-server"
)

// runLocalToRemote materializes the local tree into an in-memory working
// copy of the remote branch, commits the delta and pushes. A rejected push
// fails the task; the next tick retries without force.
func (s *Scheduler) runLocalToRemote(ctx context.Context, task *Task) (*Result, error) {
	m := task.Mirror
	auth, err := s.authFor(task)
	if err != nil {
		return nil, err
	}
	url, err := gitURL(m.RemoteURI)
	if err != nil {
		return nil, err
	}

	fs := memfs.New()
	remote, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(m.RemoteBranch),
		SingleBranch:  true,
		Tags:          git.NoTags,
		Auth:          auth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %v#%v: %w", url, m.RemoteBranch, err)
	}

	local, err := s.cfg.Store.Repository(task.Project, m.LocalRepo)
	if err != nil {
		return nil, err
	}
	localHead := local.Head()

	remoteBase := strings.TrimPrefix(strings.TrimSuffix(m.RemotePath, "/")+"/", "/")
	stateFile := remoteBase + StateFileName

	if data, err := util.ReadFile(fs, stateFile); err == nil {
		state := new(State)
		if json.Unmarshal(data, state) == nil && state.localRevision() == localHead.String() {
			return &Result{
				Status:      TaskNoOp,
				Description: fmt.Sprintf("already at revision %v", localHead),
				CompletedAt: time.Now(),
			}, nil
		}
	}

	entries, err := local.Find(localHead, patternUnder(m.LocalPath), nil)
	if err != nil {
		return nil, err
	}
	localBase := strings.TrimSuffix(m.LocalPath, "/") + "/"
	desired := map[string][]byte{}
	for _, entry := range entries {
		if entry.Type == dogma.Directory || entry.Path == m.StatePath() {
			continue
		}
		rel := strings.TrimPrefix(entry.Path, localBase)
		desired[remoteBase+rel] = entry.Content
	}

	wt, err := remote.Worktree()
	if err != nil {
		return nil, err
	}

	// delete remote files the local tree no longer has
	var current []string
	if err := walkFiles(fs, strings.TrimSuffix(remoteBase, "/"), &current); err != nil {
		return nil, err
	}
	for _, path := range current {
		if path == stateFile {
			continue
		}
		if _, ok := desired[path]; !ok {
			if _, err := wt.Remove(path); err != nil {
				return nil, err
			}
		}
	}

	for path, content := range desired {
		if err := util.WriteFile(fs, path, content, 0o644); err != nil {
			return nil, err
		}
		if _, err := wt.Add(path); err != nil {
			return nil, err
		}
	}

	state, err := json.Marshal(&State{
		SourceRevision: localHead.String(),
		LocalRevision:  localHead.String(),
		LocalPath:      m.LocalPath,
	})
	if err != nil {
		return nil, err
	}
	if err := util.WriteFile(fs, stateFile, state, 0o644); err != nil {
		return nil, err
	}
	if _, err := wt.Add(stateFile); err != nil {
		return nil, err
	}

	status, err := wt.Status()
	if err != nil {
		return nil, err
	}
	if status.IsClean() {
		return &Result{Status: TaskNoOp, Description: "no content change", CompletedAt: time.Now()}, nil
	}

	_, err = wt.Commit(
		fmt.Sprintf("Mirror %v/%v at revision %v", task.Project, m.LocalRepo, localHead),
		&git.CommitOptions{
			Author: &object.Signature{
				Name:  dogma.MirrorAuthor.Name,
				Email: dogma.MirrorAuthor.Email,
				When:  time.Now(),
			},
		})
	if err != nil {
		return nil, err
	}

	branchSpec := gitconfig.RefSpec(
		fmt.Sprintf("refs/heads/%s:refs/heads/%s", m.RemoteBranch, m.RemoteBranch))
	err = remote.PushContext(ctx, &git.PushOptions{
		Auth:     auth,
		RefSpecs: []gitconfig.RefSpec{branchSpec},
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &Result{Status: TaskNoOp, Description: "remote already up to date", CompletedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to push to %v#%v: %w", url, m.RemoteBranch, err)
	}
	return &Result{
		Status:      TaskSuccess,
		Description: fmt.Sprintf("pushed %d files at revision %v", len(desired), localHead),
		CompletedAt: time.Now(),
	}, nil
}

// walkFiles lists regular files under dir, relative to the filesystem root.
func walkFiles(fs billy.Filesystem, dir string, out *[]string) error {
	if dir == "" {
		dir = "."
	}
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil // nothing there yet
	}
	for _, info := range infos {
		name := info.Name()
		if name == ".git" {
			continue
		}
		path := name
		if dir != "." {
			path = dir + "/" + name
		}
		if info.IsDir() {
			if err := walkFiles(fs, path, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, path)
	}
	return nil
}
