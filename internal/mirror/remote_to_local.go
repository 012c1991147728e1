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

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

func (s *Scheduler) authFor(task *Task) (transport.AuthMethod, error) {
	id := task.Mirror.CredentialID
	if id == "" {
		return nil, nil
	}
	cred, err := s.cfg.Service.GetCredential(task.Project, task.Mirror.LocalRepo, id)
	if err != nil {
		return nil, err
	}
	return cred.AuthMethod()
}

// runRemoteToLocal fetches the remote branch and imports the files under
// remotePath as a single commit, including removals for entries that
// disappeared. The sentinel records the imported remote commit so an
// unchanged remote is a no-op.
func (s *Scheduler) runRemoteToLocal(ctx context.Context, task *Task) (*Result, error) {
	m := task.Mirror
	auth, err := s.authFor(task)
	if err != nil {
		return nil, err
	}
	url, err := gitURL(m.RemoteURI)
	if err != nil {
		return nil, err
	}

	remote, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(m.RemoteBranch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
		Auth:          auth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %v#%v: %w", url, m.RemoteBranch, err)
	}
	ref, err := remote.Head()
	if err != nil {
		return nil, err
	}
	remoteRev := ref.Hash().String()

	local, err := s.cfg.Store.Repository(task.Project, m.LocalRepo)
	if err != nil {
		return nil, err
	}
	localHead := local.Head()

	if state := s.readLocalState(local, m); state != nil && state.remoteRevision() == remoteRev {
		return &Result{
			Status:      TaskNoOp,
			Description: fmt.Sprintf("already at %v", shortRev(remoteRev)),
			CompletedAt: time.Now(),
		}, nil
	}

	imported, err := s.collectRemoteFiles(remote, ref.Hash(), m)
	if err != nil {
		return nil, err
	}

	changes := make([]*dogma.Change, 0, len(imported)+1)
	for path, content := range imported {
		changes = append(changes, dogma.NewUpsert(path, content))
	}

	// removals for local entries the remote no longer has
	existing, err := local.Find(localHead, patternUnder(m.LocalPath), nil)
	if err != nil {
		return nil, err
	}
	statePath := m.StatePath()
	for _, entry := range existing {
		if entry.Type == dogma.Directory || entry.Path == statePath {
			continue
		}
		if _, ok := imported[entry.Path]; !ok {
			changes = append(changes, dogma.NewRemove(entry.Path))
		}
	}

	state, err := json.Marshal(&State{
		SourceRevision: remoteRev,
		RemoteRevision: remoteRev,
		RemotePath:     m.RemotePath,
	})
	if err != nil {
		return nil, err
	}
	changes = append(changes, &dogma.Change{Path: statePath, Type: dogma.UpsertJSON, Content: state})

	msg := dogma.CommitMessage{
		Summary: fmt.Sprintf("Mirror %v of %v#%v", shortRev(remoteRev), url, m.RemoteBranch),
	}
	_, err = s.cfg.Executor.Execute(ctx,
		command.NewPush(dogma.MirrorAuthor, task.Project, m.LocalRepo, localHead, msg, changes))
	if errors.Is(err, dogma.ErrRedundantChange) {
		return &Result{Status: TaskNoOp, Description: "no content change", CompletedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:      TaskSuccess,
		Description: fmt.Sprintf("mirrored %d files at %v", len(imported), shortRev(remoteRev)),
		CompletedAt: time.Now(),
	}, nil
}

func (s *Scheduler) readLocalState(local *storage.Repository, m *Mirror) *State {
	entry, err := local.Get(dogma.Head, &dogma.Query{Path: m.StatePath(), Type: dogma.Identity})
	if err != nil {
		return nil
	}
	state := new(State)
	if err := json.Unmarshal(entry.Content, state); err != nil {
		return nil
	}
	return state
}

// collectRemoteFiles walks the remote tree under remotePath, honoring the
// gitignore rules and the file-count and byte budgets.
func (s *Scheduler) collectRemoteFiles(remote *git.Repository, head plumbing.Hash, m *Mirror) (map[string][]byte, error) {
	commit, err := remote.CommitObject(head)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	matcher := ignoreMatcher(m.Gitignore)
	remotePrefix := strings.TrimPrefix(strings.TrimSuffix(m.RemotePath, "/")+"/", "/")

	imported := map[string][]byte{}
	var totalBytes int64
	iter := tree.Files()
	defer iter.Close()
	for {
		f, err := iter.Next()
		if err != nil {
			break
		}
		if remotePrefix != "" && !strings.HasPrefix(f.Name, remotePrefix) {
			continue
		}
		rel := strings.TrimPrefix(f.Name, remotePrefix)
		if matcher != nil && matcher.Match(strings.Split(rel, "/"), false) {
			continue
		}
		target := joinEntryPath(m.LocalPath, rel)
		if err := dogma.ValidatePath(target); err != nil {
			log.Warnf("skipping %v: %v", f.Name, err)
			continue
		}
		if len(imported)+1 > s.cfg.MaxNumFiles {
			return nil, fmt.Errorf("mirror exceeds the %d-file budget", s.cfg.MaxNumFiles)
		}
		totalBytes += f.Size
		if totalBytes > s.cfg.MaxNumBytes {
			return nil, fmt.Errorf("mirror exceeds the %d-byte budget", s.cfg.MaxNumBytes)
		}
		content, err := f.Contents()
		if err != nil {
			return nil, err
		}
		imported[target] = []byte(content)
	}
	return imported, nil
}

func ignoreMatcher(rules string) gitignore.Matcher {
	if strings.TrimSpace(rules) == "" {
		return nil
	}
	var patterns []gitignore.Pattern
	for _, line := range strings.Split(rules, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if len(patterns) == 0 {
		return nil
	}
	return gitignore.NewMatcher(patterns)
}

func joinEntryPath(base, rel string) string {
	base = strings.TrimSuffix(base, "/")
	return base + "/" + rel
}

func patternUnder(path string) string {
	if path == "" || path == "/" {
		return "/**"
	}
	return strings.TrimSuffix(path, "/") + "/**"
}

func shortRev(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}
