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

package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	dogma "go.linecorp.com/centraldogma-server"
)

// RepositoryStatus is the availability of a single repository.
type RepositoryStatus string

const (
	StatusActive   RepositoryStatus = "ACTIVE"
	StatusReadOnly RepositoryStatus = "READ_ONLY"
)

const treeCacheSize = 64

// FindOptions controls Find.
type FindOptions struct {
	// FetchContent includes entry contents in the result. Defaults to true.
	FetchContent bool
	// MaxEntries caps the number of returned entries. Zero is rejected; a
	// negative value means unbounded.
	MaxEntries int
}

// DefaultFindOptions returns the options used when the caller passes nil.
func DefaultFindOptions() *FindOptions {
	return &FindOptions{FetchContent: true, MaxEntries: -1}
}

// CommitEvent is broadcast after a commit has been persisted.
type CommitEvent struct {
	Project    string
	Repository string
	Revision   dogma.Revision
	Paths      []string
	WhenMillis int64
}

// Repository is an append-only sequence of commits with a materialized tree
// at its head. All mutations go through Commit under the repository lock;
// readers work on immutable tree snapshots.
type Repository struct {
	project string
	name    string

	commits CommitLog
	blobs   BlobStore

	mu        sync.RWMutex
	head      dogma.Revision
	headTree  Tree
	lastWhen  int64
	status    RepositoryStatus
	treeCache *lru.Cache

	// notify is invoked in commit order while the repository lock is held.
	notify func(CommitEvent)
}

func newRepository(project, name string, commits CommitLog, blobs BlobStore) (*Repository, error) {
	cache, err := lru.New(treeCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		project:   project,
		name:      name,
		commits:   commits,
		blobs:     blobs,
		status:    StatusActive,
		treeCache: cache,
	}
	head, err := commits.Head()
	if err != nil {
		return nil, &dogma.StorageError{Op: "open", Cause: err}
	}
	r.head = head
	if head > 0 {
		tree, err := r.replayTree(head)
		if err != nil {
			return nil, err
		}
		r.headTree = tree
		rec, err := commits.Read(head)
		if err != nil {
			return nil, err
		}
		r.lastWhen = rec.WhenMillis
	} else {
		r.headTree = Tree{}
	}
	return r, nil
}

// Project returns the name of the owning project.
func (r *Repository) Project() string { return r.project }

// Name returns the repository name.
func (r *Repository) Name() string { return r.name }

// Status returns the repository availability.
func (r *Repository) Status() RepositoryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Repository) setStatus(s RepositoryStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Head returns the latest absolute revision, or 0 for an empty repository.
func (r *Repository) Head() dogma.Revision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head
}

// Normalize converts a relative revision to an absolute one.
func (r *Repository) Normalize(rev dogma.Revision) (dogma.Revision, error) {
	return r.normalize(rev, r.Head())
}

func (r *Repository) normalize(rev, head dogma.Revision) (dogma.Revision, error) {
	if rev == 0 {
		return 0, &dogma.RevisionNotFoundError{Rev: rev}
	}
	if rev < 0 {
		rev = head + rev + 1
	}
	if rev < dogma.Init || rev > head {
		return 0, &dogma.RevisionNotFoundError{Rev: rev}
	}
	return rev, nil
}

// treeAt returns the immutable tree snapshot at the given absolute revision.
func (r *Repository) treeAt(rev dogma.Revision) (Tree, error) {
	r.mu.RLock()
	if rev == r.head {
		tree := r.headTree
		r.mu.RUnlock()
		return tree, nil
	}
	r.mu.RUnlock()

	if cached, ok := r.treeCache.Get(rev); ok {
		return cached.(Tree), nil
	}
	tree, err := r.replayTree(rev)
	if err != nil {
		return nil, err
	}
	r.treeCache.Add(rev, tree)
	return tree, nil
}

// replayTree rebuilds the tree at rev by applying the recorded changes of
// commits 1..rev to the empty tree.
func (r *Repository) replayTree(rev dogma.Revision) (Tree, error) {
	tree := Tree{}
	for i := dogma.Init; i <= rev; i++ {
		rec, err := r.commits.Read(i)
		if err != nil {
			return nil, err
		}
		applyRecord(tree, rec)
	}
	return tree, nil
}

func applyRecord(tree Tree, rec *CommitRecord) {
	for _, c := range rec.Changes {
		if c.Type == dogma.Remove.String() {
			delete(tree, c.Path)
			continue
		}
		tree[c.Path] = TreeEntry{Type: entryTypeNameForChange(c.Type), Hash: c.ResultHash}
	}
}

func entryTypeNameForChange(changeType string) EntryTypeName {
	switch changeType {
	case "UPSERT_JSON", "APPLY_JSON_PATCH":
		return "JSON"
	case "UPSERT_YAML":
		return "YAML"
	default:
		return "TEXT"
	}
}

// Find returns the entries matching the path pattern at the given revision,
// sorted by path. Directory entries are synthesized from the parents of the
// matched files.
func (r *Repository) Find(rev dogma.Revision, pattern string, opts *FindOptions) ([]*dogma.Entry, error) {
	if opts == nil {
		opts = DefaultFindOptions()
	}
	if opts.MaxEntries == 0 {
		return nil, &dogma.ValidationError{Reason: "maxEntries must be a positive number"}
	}
	abs, err := r.Normalize(rev)
	if err != nil {
		return nil, err
	}
	compiled, err := dogma.CompilePathPattern(pattern)
	if err != nil {
		return nil, err
	}
	tree, err := r.treeAt(abs)
	if err != nil {
		return nil, err
	}

	dirs := map[string]bool{}
	for path := range tree {
		for d := parentDir(path); d != "" && d != "/"; d = parentDir(d) {
			dirs[d] = true
		}
	}

	var entries []*dogma.Entry
	for _, path := range tree.Paths() {
		if !compiled.Matches(path) {
			continue
		}
		te := tree[path]
		entry := &dogma.Entry{Path: path, Type: entryTypeOf(te.Type), Revision: abs}
		if opts.FetchContent {
			content, err := r.blobs.Get(te.Hash)
			if err != nil {
				return nil, err
			}
			entry.Content = content
		}
		entries = append(entries, entry)
	}
	for d := range dirs {
		if compiled.Matches(d) {
			entries = append(entries, &dogma.Entry{Path: d, Type: dogma.Directory, Revision: abs})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	if opts.MaxEntries > 0 && len(entries) > opts.MaxEntries {
		entries = entries[:opts.MaxEntries]
	}
	return entries, nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// Get returns the entry for the query at the given revision, with the query
// applied to its content.
func (r *Repository) Get(rev dogma.Revision, query *dogma.Query) (*dogma.Entry, error) {
	if query == nil {
		return nil, dogma.ErrQueryMustBeSet
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	abs, err := r.Normalize(rev)
	if err != nil {
		return nil, err
	}
	tree, err := r.treeAt(abs)
	if err != nil {
		return nil, err
	}
	te, ok := tree[query.Path]
	if !ok {
		return nil, &dogma.EntryNotFoundError{Rev: abs, Path: query.Path}
	}
	content, err := r.blobs.Get(te.Hash)
	if err != nil {
		return nil, err
	}
	content, err = query.Apply(content)
	if err != nil {
		return nil, err
	}
	return &dogma.Entry{Path: query.Path, Type: entryTypeOf(te.Type), Content: content, Revision: abs}, nil
}

// Diff returns the changes between two revisions for the entries matching
// the path pattern.
func (r *Repository) Diff(from, to dogma.Revision, pattern string) ([]*dogma.Change, error) {
	absFrom, err := r.Normalize(from)
	if err != nil {
		return nil, err
	}
	absTo, err := r.Normalize(to)
	if err != nil {
		return nil, err
	}
	compiled, err := dogma.CompilePathPattern(pattern)
	if err != nil {
		return nil, err
	}
	fromTree, err := r.treeAt(absFrom)
	if err != nil {
		return nil, err
	}
	toTree, err := r.treeAt(absTo)
	if err != nil {
		return nil, err
	}
	return diffTrees(fromTree, toTree, r.blobs, compiled)
}

// DiffQuery returns the change of a single queried file between two
// revisions.
func (r *Repository) DiffQuery(from, to dogma.Revision, query *dogma.Query) (*dogma.Change, error) {
	if query == nil {
		return nil, dogma.ErrQueryMustBeSet
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	fromEntry, err := r.getOrNil(from, query)
	if err != nil {
		return nil, err
	}
	toEntry, err := r.getOrNil(to, query)
	if err != nil {
		return nil, err
	}
	switch {
	case fromEntry == nil && toEntry == nil:
		return nil, &dogma.EntryNotFoundError{Rev: to, Path: query.Path}
	case fromEntry == nil:
		return upsertChange(query.Path, toEntry.Type.String(), toEntry.Content), nil
	case toEntry == nil:
		return dogma.NewRemove(query.Path), nil
	}
	if fromEntry.Type != toEntry.Type {
		return nil, &dogma.QueryExecutionError{
			Path:  query.Path,
			Cause: fmt.Errorf("entry type changed from %v to %v", fromEntry.Type, toEntry.Type),
		}
	}
	change, err := entryDiff(query.Path, toEntry.Type, fromEntry.Content, toEntry.Content)
	if err != nil {
		return nil, err
	}
	if change == nil {
		// no difference: an empty patch of the entry's kind
		if toEntry.Type == dogma.JSON {
			return &dogma.Change{Path: query.Path, Type: dogma.ApplyJSONPatch, Content: []byte("[]")}, nil
		}
		return &dogma.Change{Path: query.Path, Type: dogma.ApplyTextPatch}, nil
	}
	return change, nil
}

func (r *Repository) getOrNil(rev dogma.Revision, query *dogma.Query) (*dogma.Entry, error) {
	entry, err := r.Get(rev, query)
	if err != nil {
		var notFound *dogma.EntryNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// History returns the commits in (from..to) touching the pattern, newest
// first, capped at maxCommits (default 100, at most 1000).
func (r *Repository) History(from, to dogma.Revision, pattern string, maxCommits int) ([]*dogma.Commit, error) {
	const historyCap = 1000
	if maxCommits <= 0 {
		maxCommits = 100
	}
	if maxCommits > historyCap {
		maxCommits = historyCap
	}
	absFrom, err := r.Normalize(from)
	if err != nil {
		return nil, err
	}
	absTo, err := r.Normalize(to)
	if err != nil {
		return nil, err
	}
	if absFrom > absTo {
		absFrom, absTo = absTo, absFrom
	}
	compiled, err := dogma.CompilePathPattern(pattern)
	if err != nil {
		return nil, err
	}

	if absFrom == dogma.Init && absTo == dogma.Init {
		// the genesis commit is returned even when no changes match, so
		// creation time and author are always derivable
		rec, err := r.commits.Read(dogma.Init)
		if err != nil {
			return nil, err
		}
		return []*dogma.Commit{r.toCommit(rec)}, nil
	}

	var commits []*dogma.Commit
	for rev := absTo; rev >= absFrom && len(commits) < maxCommits; rev-- {
		rec, err := r.commits.Read(rev)
		if err != nil {
			return nil, err
		}
		matched := false
		for _, c := range rec.Changes {
			if compiled.Matches(c.Path) {
				matched = true
				break
			}
		}
		if matched {
			commits = append(commits, r.toCommit(rec))
		}
	}
	return commits, nil
}

func (r *Repository) toCommit(rec *CommitRecord) *dogma.Commit {
	commit := &dogma.Commit{
		Revision:   rec.Revision,
		Author:     rec.Author,
		WhenMillis: rec.WhenMillis,
		CommitMessage: dogma.CommitMessage{
			Summary: rec.Summary,
			Detail:  rec.Detail,
			Markup:  rec.Markup,
		},
	}
	for _, c := range rec.Changes {
		change := &dogma.Change{Path: c.Path, Type: changeTypeOf(c.Type)}
		if c.ContentHash != "" {
			if content, err := r.blobs.Get(c.ContentHash); err == nil {
				change.Content = content
			}
		}
		commit.Changes = append(commit.Changes, change)
	}
	return commit
}

func changeTypeOf(name string) dogma.ChangeType {
	switch name {
	case "UPSERT_JSON":
		return dogma.UpsertJSON
	case "UPSERT_TEXT":
		return dogma.UpsertText
	case "UPSERT_YAML":
		return dogma.UpsertYAML
	case "REMOVE":
		return dogma.Remove
	case "APPLY_JSON_PATCH":
		return dogma.ApplyJSONPatch
	case "APPLY_TEXT_PATCH":
		return dogma.ApplyTextPatch
	}
	return 0
}

// PreviewDiff applies the changes to the tree at base without committing and
// returns the effective changes. A preview failure predicts the commit
// failure for the same changes.
func (r *Repository) PreviewDiff(base dogma.Revision, changes []*dogma.Change) ([]*dogma.Change, error) {
	abs, err := r.Normalize(base)
	if err != nil {
		return nil, err
	}
	baseTree, err := r.treeAt(abs)
	if err != nil {
		return nil, err
	}
	working := baseTree.Clone()
	results := map[string][]byte{}
	for _, change := range changes {
		ac, err := applyChange(working, r.blobs, change)
		if err != nil {
			return nil, err
		}
		if ac.result != nil {
			results[change.Path] = ac.result
		}
	}

	var preview []*dogma.Change
	for _, path := range working.Paths() {
		we := working[path]
		be, existed := baseTree[path]
		if existed && be == we {
			continue
		}
		if !existed {
			preview = append(preview, upsertChange(path, we.Type, results[path]))
			continue
		}
		old, err := r.blobs.Get(be.Hash)
		if err != nil {
			return nil, err
		}
		change, err := entryDiff(path, entryTypeOf(we.Type), old, results[path])
		if err != nil {
			return nil, err
		}
		if change != nil {
			preview = append(preview, change)
		}
	}
	for _, path := range baseTree.Paths() {
		if _, ok := working[path]; !ok {
			preview = append(preview, dogma.NewRemove(path))
		}
	}
	return preview, nil
}

// Commit validates and applies the changes on top of base and persists a new
// commit. directExec is false for commits replayed from the replication log,
// which still materialize even when redundant.
func (r *Repository) Commit(base dogma.Revision, author dogma.Author, msg dogma.CommitMessage,
	changes []*dogma.Change, directExec bool) (*dogma.PushResult, error) {

	if len(changes) == 0 {
		return nil, &dogma.ValidationError{Reason: "changes must not be empty"}
	}
	if msg.Summary == "" {
		return nil, &dogma.ValidationError{Reason: "commit summary must not be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if directExec && r.status == StatusReadOnly {
		return nil, dogma.ErrReadOnly
	}

	abs, err := r.normalize(base, r.head)
	if err != nil {
		return nil, err
	}
	if abs != r.head {
		return nil, &dogma.ChangeConflictError{
			Reason: fmt.Sprintf("base revision %v is not the head %v", abs, r.head),
		}
	}

	working := r.headTree.Clone()
	applied := make([]*appliedChange, 0, len(changes))
	for _, change := range changes {
		ac, err := applyChange(working, r.blobs, change)
		if err != nil {
			return nil, err
		}
		applied = append(applied, ac)
	}

	if working.Equal(r.headTree) && directExec {
		return nil, dogma.ErrRedundantChange
	}

	newRev := r.head + 1
	when := time.Now().UnixMilli()
	if when < r.lastWhen {
		when = r.lastWhen
	}

	rec := &CommitRecord{
		Revision:   newRev,
		Author:     author,
		WhenMillis: when,
		Summary:    msg.Summary,
		Detail:     msg.Detail,
		Markup:     msg.Markup,
	}
	paths := make([]string, 0, len(applied))
	for _, ac := range applied {
		rc := RecordedChange{Path: ac.change.Path, Type: ac.change.Type.String()}
		if len(ac.change.Content) != 0 {
			hash, err := r.blobs.Put(ac.change.Content)
			if err != nil {
				return nil, err
			}
			rc.ContentHash = hash
		}
		if ac.result != nil {
			hash, err := r.blobs.Put(ac.result)
			if err != nil {
				return nil, err
			}
			rc.ResultHash = hash
		}
		rec.Changes = append(rec.Changes, rc)
		paths = append(paths, ac.change.Path)
	}
	if err := r.commits.Append(rec); err != nil {
		return nil, err
	}

	r.head = newRev
	r.headTree = working
	r.lastWhen = when
	r.treeCache.Add(newRev, working)

	if r.notify != nil {
		// listener failures never abort the commit or break the fan-out
		func() {
			defer func() {
				if v := recover(); v != nil {
					log.Errorf("commit listener panicked: %v", v)
				}
			}()
			r.notify(CommitEvent{
				Project:    r.project,
				Repository: r.name,
				Revision:   newRev,
				Paths:      paths,
				WhenMillis: when,
			})
		}()
	}

	return &dogma.PushResult{Revision: newRev, WhenMillis: when}, nil
}

// FindLatestRevision returns the latest revision if any commit after
// lastKnownRev touches the pattern, or 0 when nothing changed.
func (r *Repository) FindLatestRevision(lastKnownRev dogma.Revision, pattern string) (dogma.Revision, error) {
	abs, err := r.Normalize(lastKnownRev)
	if err != nil {
		return 0, err
	}
	head := r.Head()
	if abs == head {
		return 0, nil
	}
	compiled, err := dogma.CompilePathPattern(pattern)
	if err != nil {
		return 0, err
	}
	for rev := abs + 1; rev <= head; rev++ {
		rec, err := r.commits.Read(rev)
		if err != nil {
			return 0, err
		}
		for _, c := range rec.Changes {
			if compiled.Matches(c.Path) {
				return head, nil
			}
		}
	}
	return 0, nil
}
