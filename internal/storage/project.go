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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	dogma "go.linecorp.com/centraldogma-server"
)

// MetaRepoName is the reserved repository of every project which stores its
// metadata, mirrors and credentials.
const MetaRepoName = "dogma"

// MetadataPath is the reserved entry holding the project metadata.
const MetadataPath = "/metadata.json"

var namePattern = regexp.MustCompile(`^[0-9A-Za-z](?:[-+_0-9A-Za-z.]*[0-9A-Za-z])?$`)

// CipherProvider creates and opens repository data encryption keys. The
// wrapped key bytes are opaque to the storage layer; they are persisted with
// the repository metadata.
type CipherProvider interface {
	NewRepositoryKey(project, repo string) (wdek []byte, cipher Cipher, err error)
	OpenRepositoryKey(project, repo string, wdek []byte) (Cipher, error)
}

// Listener observes repository lifecycle and commit events.
type Listener interface {
	OnCommit(event CommitEvent)
	OnRepositoryRemoved(project, repo string)
}

type projectMeta struct {
	Name            string       `json:"name"`
	Creator         dogma.Author `json:"creator"`
	CreatedAtMillis int64        `json:"createdAtMillis"`
	Removed         bool         `json:"removed,omitempty"`
}

type repoMeta struct {
	Name            string           `json:"name"`
	Creator         dogma.Author     `json:"creator"`
	CreatedAtMillis int64            `json:"createdAtMillis"`
	Status          RepositoryStatus `json:"status"`
	Removed         bool             `json:"removed,omitempty"`
	Encrypted       bool             `json:"encrypted,omitempty"`
	WDEK            json.RawMessage  `json:"wdek,omitempty"`
}

// ProjectInfo describes a project for listings.
type ProjectInfo struct {
	Name            string       `json:"name"`
	Creator         dogma.Author `json:"creator,omitempty"`
	CreatedAtMillis int64        `json:"createdAtMillis,omitempty"`
	Removed         bool         `json:"removed,omitempty"`
}

// RepositoryInfo describes a repository for listings.
type RepositoryInfo struct {
	Name            string           `json:"name"`
	Creator         dogma.Author     `json:"creator,omitempty"`
	HeadRevision    dogma.Revision   `json:"headRevision,omitempty"`
	CreatedAtMillis int64            `json:"createdAtMillis,omitempty"`
	Status          RepositoryStatus `json:"status,omitempty"`
	Encrypted       bool             `json:"encrypted,omitempty"`
	Removed         bool             `json:"removed,omitempty"`
}

type repoState struct {
	meta repoMeta
	repo *Repository
}

type projectState struct {
	meta  projectMeta
	repos map[string]*repoState
}

// ProjectManager owns every project and repository under a data root
// directory.
type ProjectManager struct {
	root    string
	ciphers CipherProvider

	mu        sync.RWMutex
	projects  map[string]*projectState
	listeners []Listener

	// commit events are queued under the committing repository's lock and
	// fanned out by a dispatcher goroutine, so listeners observe commits in
	// order without re-entering repository locks
	eventMu     sync.Mutex
	eventQueue  []CommitEvent
	eventSignal chan struct{}
	closed      chan struct{}
}

// NewProjectManager opens the data root and loads the projects found there.
func NewProjectManager(root string, ciphers CipherProvider) (*ProjectManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &dogma.StorageError{Op: "open data root", Cause: err}
	}
	pm := &ProjectManager{
		root:        root,
		ciphers:     ciphers,
		projects:    map[string]*projectState{},
		eventSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	if err := pm.load(); err != nil {
		return nil, err
	}
	go pm.dispatch()
	return pm, nil
}

// Close stops the commit event dispatcher. Queued events are dropped.
func (pm *ProjectManager) Close() {
	select {
	case <-pm.closed:
	default:
		close(pm.closed)
	}
}

func (pm *ProjectManager) enqueueCommit(event CommitEvent) {
	pm.eventMu.Lock()
	pm.eventQueue = append(pm.eventQueue, event)
	pm.eventMu.Unlock()
	select {
	case pm.eventSignal <- struct{}{}:
	default:
	}
}

func (pm *ProjectManager) dispatch() {
	for {
		select {
		case <-pm.closed:
			return
		case <-pm.eventSignal:
		}
		for {
			pm.eventMu.Lock()
			if len(pm.eventQueue) == 0 {
				pm.eventMu.Unlock()
				break
			}
			event := pm.eventQueue[0]
			pm.eventQueue = pm.eventQueue[1:]
			pm.eventMu.Unlock()
			pm.notifyCommit(event)
		}
	}
}

// AddListener registers a lifecycle listener. Listeners are invoked in commit
// order.
func (pm *ProjectManager) AddListener(l Listener) {
	pm.mu.Lock()
	pm.listeners = append(pm.listeners, l)
	pm.mu.Unlock()
}

func (pm *ProjectManager) notifyCommit(event CommitEvent) {
	pm.mu.RLock()
	listeners := pm.listeners
	pm.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if v := recover(); v != nil {
					log.Errorf("listener panicked on commit %v/%v@%v: %v",
						event.Project, event.Repository, event.Revision, v)
				}
			}()
			l.OnCommit(event)
		}()
	}
}

func (pm *ProjectManager) notifyRemoved(project, repo string) {
	pm.mu.RLock()
	listeners := pm.listeners
	pm.mu.RUnlock()
	for _, l := range listeners {
		l.OnRepositoryRemoved(project, repo)
	}
}

func (pm *ProjectManager) load() error {
	entries, err := os.ReadDir(pm.root)
	if err != nil {
		return &dogma.StorageError{Op: "load", Cause: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := pm.loadProject(e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (pm *ProjectManager) loadProject(name string) error {
	var meta projectMeta
	if err := readJSON(filepath.Join(pm.root, name, "project.json"), &meta); err != nil {
		return &dogma.StorageError{Op: "load project " + name, Cause: err}
	}
	state := &projectState{meta: meta, repos: map[string]*repoState{}}

	entries, err := os.ReadDir(filepath.Join(pm.root, name))
	if err != nil {
		return &dogma.StorageError{Op: "load project " + name, Cause: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rs, err := pm.openRepo(name, e.Name())
		if err != nil {
			return err
		}
		state.repos[e.Name()] = rs
	}
	pm.projects[name] = state
	return nil
}

func (pm *ProjectManager) openRepo(project, name string) (*repoState, error) {
	dir := filepath.Join(pm.root, project, name)
	var meta repoMeta
	if err := readJSON(filepath.Join(dir, "repository.json"), &meta); err != nil {
		return nil, &dogma.StorageError{Op: fmt.Sprintf("load repository %v/%v", project, name), Cause: err}
	}
	files, err := pm.repoFiles(project, name, &meta)
	if err != nil {
		return nil, err
	}
	repo, err := newRepository(project, name, newFileCommitLog(files), newFileBlobStore(files))
	if err != nil {
		return nil, err
	}
	repo.status = meta.Status
	repo.notify = pm.enqueueCommit
	return &repoState{meta: meta, repo: repo}, nil
}

func (pm *ProjectManager) repoFiles(project, name string, meta *repoMeta) (fileStore, error) {
	var files fileStore = newPlainFileStore(filepath.Join(pm.root, project, name))
	if meta.Encrypted {
		if pm.ciphers == nil {
			return nil, &dogma.EncryptionStorageError{
				Op:    "open",
				Cause: fmt.Errorf("repository %v/%v is encrypted but no key provider is configured", project, name),
			}
		}
		cipher, err := pm.ciphers.OpenRepositoryKey(project, name, meta.WDEK)
		if err != nil {
			return nil, err
		}
		files = newEncryptedFileStore(files, cipher)
	}
	return files, nil
}

// CreateProject creates a project together with its meta repository.
func (pm *ProjectManager) CreateProject(name string, creator dogma.Author) (*ProjectInfo, error) {
	if !namePattern.MatchString(name) {
		return nil, &dogma.ValidationError{Reason: fmt.Sprintf("invalid project name: %q", name)}
	}
	pm.mu.Lock()
	if _, ok := pm.projects[name]; ok {
		pm.mu.Unlock()
		return nil, &dogma.ProjectExistsError{Name: name}
	}
	meta := projectMeta{Name: name, Creator: creator, CreatedAtMillis: time.Now().UnixMilli()}
	if err := writeJSON(filepath.Join(pm.root, name, "project.json"), &meta); err != nil {
		pm.mu.Unlock()
		return nil, &dogma.StorageError{Op: "create project", Cause: err}
	}
	state := &projectState{meta: meta, repos: map[string]*repoState{}}
	pm.projects[name] = state

	// every project carries its meta repository
	if _, err := pm.createRepoLocked(state, name, MetaRepoName, creator, false); err != nil {
		pm.mu.Unlock()
		return nil, err
	}
	metaRepo := state.repos[MetaRepoName].repo
	pm.mu.Unlock()

	// committed outside the manager lock so the commit fan-out can read it
	_, err := metaRepo.Commit(dogma.Init, dogma.SystemAuthor,
		dogma.CommitMessage{Summary: "Initialize metadata"},
		[]*dogma.Change{dogma.NewUpsert(MetadataPath, []byte(`{"members":{},"tokens":{},"repos":{}}`))},
		true)
	if err != nil {
		return nil, err
	}
	info := projectInfoOf(meta)
	return &info, nil
}

// CreateRepository creates a repository in the project. The genesis commit is
// recorded with the creator as its author.
func (pm *ProjectManager) CreateRepository(project, name string, creator dogma.Author, encrypt bool) (*RepositoryInfo, error) {
	if !namePattern.MatchString(name) {
		return nil, &dogma.ValidationError{Reason: fmt.Sprintf("invalid repository name: %q", name)}
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return nil, &dogma.ProjectNotFoundError{Name: project}
	}
	return pm.createRepoLocked(state, project, name, creator, encrypt)
}

func (pm *ProjectManager) createRepoLocked(state *projectState, project, name string,
	creator dogma.Author, encrypt bool) (*RepositoryInfo, error) {

	if _, ok := state.repos[name]; ok {
		return nil, &dogma.RepositoryExistsError{Project: project, Name: name}
	}

	meta := repoMeta{
		Name:            name,
		Creator:         creator,
		CreatedAtMillis: time.Now().UnixMilli(),
		Status:          StatusActive,
		Encrypted:       encrypt,
	}
	var cipher Cipher
	if encrypt {
		if pm.ciphers == nil {
			return nil, &dogma.EncryptionStorageError{
				Op:    "create",
				Cause: fmt.Errorf("encryption requested but no key provider is configured"),
			}
		}
		wdek, c, err := pm.ciphers.NewRepositoryKey(project, name)
		if err != nil {
			return nil, err
		}
		meta.WDEK = wdek
		cipher = c
	}

	dir := filepath.Join(pm.root, project, name)
	if err := writeJSON(filepath.Join(dir, "repository.json"), &meta); err != nil {
		return nil, &dogma.StorageError{Op: "create repository", Cause: err}
	}

	var files fileStore = newPlainFileStore(dir)
	if cipher != nil {
		files = newEncryptedFileStore(files, cipher)
	}
	commits := newFileCommitLog(files)

	// the genesis commit carries no changes; it records creation time and
	// author
	genesis := &CommitRecord{
		Revision:   dogma.Init,
		Author:     creator,
		WhenMillis: meta.CreatedAtMillis,
		Summary:    "Create a new repository",
	}
	if err := commits.Append(genesis); err != nil {
		return nil, err
	}

	repo, err := newRepository(project, name, commits, newFileBlobStore(files))
	if err != nil {
		return nil, err
	}
	repo.notify = pm.enqueueCommit
	state.repos[name] = &repoState{meta: meta, repo: repo}
	info := repoInfoOf(meta, repo)
	return &info, nil
}

// Repository returns an active repository.
func (pm *ProjectManager) Repository(project, name string) (*Repository, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return nil, &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok || rs.meta.Removed {
		return nil, &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	return rs.repo, nil
}

// MetaRepository returns the meta repository of a project.
func (pm *ProjectManager) MetaRepository(project string) (*Repository, error) {
	return pm.Repository(project, MetaRepoName)
}

// ListProjects lists projects, optionally the removed ones.
func (pm *ProjectManager) ListProjects(removed bool) []ProjectInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var infos []ProjectInfo
	for _, state := range pm.projects {
		if state.meta.Removed == removed {
			infos = append(infos, projectInfoOf(state.meta))
		}
	}
	sortProjectInfos(infos)
	return infos
}

// ListRepositories lists the repositories of a project, optionally the
// removed ones.
func (pm *ProjectManager) ListRepositories(project string, removed bool) ([]RepositoryInfo, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return nil, &dogma.ProjectNotFoundError{Name: project}
	}
	var infos []RepositoryInfo
	for _, rs := range state.repos {
		if rs.meta.Removed == removed {
			infos = append(infos, repoInfoOf(rs.meta, rs.repo))
		}
	}
	sortRepoInfos(infos)
	return infos, nil
}

// RemoveProject tombstones a project.
func (pm *ProjectManager) RemoveProject(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[name]
	if !ok || state.meta.Removed {
		return &dogma.ProjectNotFoundError{Name: name}
	}
	state.meta.Removed = true
	return writeJSON(filepath.Join(pm.root, name, "project.json"), &state.meta)
}

// UnremoveProject restores a tombstoned project.
func (pm *ProjectManager) UnremoveProject(name string) (*ProjectInfo, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[name]
	if !ok {
		return nil, &dogma.ProjectNotFoundError{Name: name}
	}
	if state.meta.Removed {
		state.meta.Removed = false
		if err := writeJSON(filepath.Join(pm.root, name, "project.json"), &state.meta); err != nil {
			return nil, err
		}
	}
	info := projectInfoOf(state.meta)
	return &info, nil
}

// RemoveRepository tombstones a repository and cancels its watchers.
func (pm *ProjectManager) RemoveRepository(project, name string) error {
	if name == MetaRepoName {
		return &dogma.ValidationError{Reason: "cannot remove the meta repository"}
	}
	pm.mu.Lock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		pm.mu.Unlock()
		return &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok || rs.meta.Removed {
		pm.mu.Unlock()
		return &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	rs.meta.Removed = true
	err := writeJSON(filepath.Join(pm.root, project, name, "repository.json"), &rs.meta)
	pm.mu.Unlock()
	if err != nil {
		return err
	}
	pm.notifyRemoved(project, name)
	return nil
}

// UnremoveRepository restores a tombstoned repository.
func (pm *ProjectManager) UnremoveRepository(project, name string) (*RepositoryInfo, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return nil, &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok {
		return nil, &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	if rs.meta.Removed {
		rs.meta.Removed = false
		if err := writeJSON(filepath.Join(pm.root, project, name, "repository.json"), &rs.meta); err != nil {
			return nil, err
		}
	}
	info := repoInfoOf(rs.meta, rs.repo)
	return &info, nil
}

// PurgeRepository deletes a tombstoned repository from disk.
func (pm *ProjectManager) PurgeRepository(project, name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[project]
	if !ok {
		return &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok {
		return &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	if !rs.meta.Removed {
		return &dogma.ValidationError{Reason: "only a removed repository can be purged"}
	}
	if err := os.RemoveAll(filepath.Join(pm.root, project, name)); err != nil {
		return &dogma.StorageError{Op: "purge repository", Cause: err}
	}
	delete(state.repos, name)
	return nil
}

// SetRepositoryStatus updates the availability of a repository. It returns
// false when the status did not change.
func (pm *ProjectManager) SetRepositoryStatus(project, name string, status RepositoryStatus) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return false, &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok || rs.meta.Removed {
		return false, &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	if rs.meta.Status == status {
		return false, nil
	}
	rs.meta.Status = status
	if err := writeJSON(filepath.Join(pm.root, project, name, "repository.json"), &rs.meta); err != nil {
		return false, err
	}
	rs.repo.setStatus(status)
	return true, nil
}

// RepositoryMeta returns repository details for listings.
func (pm *ProjectManager) RepositoryMeta(project, name string) (*RepositoryInfo, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return nil, &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok {
		return nil, &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	info := repoInfoOf(rs.meta, rs.repo)
	return &info, nil
}

// MigrateRepository rewrites every stored record and blob of a plaintext
// repository through the cipher and records the wrapped key. The caller is
// responsible for the migration guards and for holding the repository in
// read-only mode while this runs.
func (pm *ProjectManager) MigrateRepository(project, name string, wdek []byte, cipher Cipher) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[project]
	if !ok || state.meta.Removed {
		return &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok || rs.meta.Removed {
		return &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	if rs.meta.Encrypted {
		return &dogma.ValidationError{Reason: "repository is already encrypted"}
	}

	dir := filepath.Join(pm.root, project, name)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Base(path) == "repository.json" {
			return nil
		}
		plaintext, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		ciphertext, err := cipher.Encrypt(plaintext)
		if err != nil {
			return err
		}
		return os.WriteFile(path, ciphertext, 0o644)
	})
	if err != nil {
		return &dogma.EncryptionStorageError{Op: "migrate", Cause: err}
	}

	rs.meta.Encrypted = true
	rs.meta.WDEK = wdek
	if err := writeJSON(filepath.Join(dir, "repository.json"), &rs.meta); err != nil {
		return err
	}

	// reopen with the encrypted store so future reads decrypt
	files := newEncryptedFileStore(newPlainFileStore(dir), cipher)
	repo, err := newRepository(project, name, newFileCommitLog(files), newFileBlobStore(files))
	if err != nil {
		return err
	}
	repo.status = rs.meta.Status
	repo.notify = pm.enqueueCommit
	rs.repo = repo
	return nil
}

// WDEKRecords returns the wrapped key record of every encrypted repository,
// keyed by "project/repo".
func (pm *ProjectManager) WDEKRecords() map[string][]byte {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	records := map[string][]byte{}
	for pname, state := range pm.projects {
		for rname, rs := range state.repos {
			if rs.meta.Encrypted && len(rs.meta.WDEK) != 0 {
				records[pname+"/"+rname] = append([]byte(nil), rs.meta.WDEK...)
			}
		}
	}
	return records
}

// UpdateWDEK replaces the wrapped key record of an encrypted repository, used
// by KEK rotation. The DEK itself is unchanged so no data is rewritten.
func (pm *ProjectManager) UpdateWDEK(project, name string, record []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state, ok := pm.projects[project]
	if !ok {
		return &dogma.ProjectNotFoundError{Name: project}
	}
	rs, ok := state.repos[name]
	if !ok {
		return &dogma.RepositoryNotFoundError{Project: project, Name: name}
	}
	if !rs.meta.Encrypted {
		return &dogma.ValidationError{Reason: "repository is not encrypted"}
	}
	rs.meta.WDEK = record
	return writeJSON(filepath.Join(pm.root, project, name, "repository.json"), &rs.meta)
}

func projectInfoOf(meta projectMeta) ProjectInfo {
	return ProjectInfo{
		Name:            meta.Name,
		Creator:         meta.Creator,
		CreatedAtMillis: meta.CreatedAtMillis,
		Removed:         meta.Removed,
	}
}

func repoInfoOf(meta repoMeta, repo *Repository) RepositoryInfo {
	info := RepositoryInfo{
		Name:            meta.Name,
		Creator:         meta.Creator,
		CreatedAtMillis: meta.CreatedAtMillis,
		Status:          meta.Status,
		Encrypted:       meta.Encrypted,
		Removed:         meta.Removed,
	}
	if repo != nil {
		info.HeadRevision = repo.Head()
	}
	return info
}

func sortProjectInfos(infos []ProjectInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}

func sortRepoInfos(infos []RepositoryInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
