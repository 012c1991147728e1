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

package centraldogma

import (
	"errors"
	"fmt"
)

var (
	// ErrRedundantChange indicates that a commit would not change the
	// repository content at all.
	ErrRedundantChange = errors.New("changes did not change anything")

	// ErrReadOnly indicates that the repository or the whole server is in
	// read-only mode and does not accept a mutation.
	ErrReadOnly = errors.New("read-only mode")

	// ErrServerStopping indicates that the server is shutting down.
	ErrServerStopping = errors.New("server is stopping")

	// ErrWatchCancelled indicates that a watch was cancelled, either by the
	// caller or by its timeout.
	ErrWatchCancelled = errors.New("watch cancelled")

	// ErrWatcherClosed indicates an operation on a closed watcher.
	ErrWatcherClosed = errors.New("watcher is closed")

	// ErrQueryMustBeSet indicates a nil query.
	ErrQueryMustBeSet = errors.New("query should not be nil")

	// ErrMetricCollectorConfigMustBeSet indicates a nil metric collector config.
	ErrMetricCollectorConfigMustBeSet = errors.New("metric collector config should not be set to nil")
)

// RevisionNotFoundError is returned when a revision cannot be normalized into
// the range of a repository.
type RevisionNotFoundError struct {
	Rev Revision
}

func (e *RevisionNotFoundError) Error() string {
	return fmt.Sprintf("revision %v does not exist", e.Rev)
}

// EntryNotFoundError is returned when no entry exists at a path and revision.
type EntryNotFoundError struct {
	Rev  Revision
	Path string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("entry %v does not exist at revision %v", e.Path, e.Rev)
}

// ChangeConflictError is returned when a change cannot be applied on top of
// the current head, e.g. the base revision is stale or a patch target is
// missing or of the wrong type.
type ChangeConflictError struct {
	Reason string
}

func (e *ChangeConflictError) Error() string {
	return "change conflict: " + e.Reason
}

// QueryExecutionError is returned when a query cannot be evaluated against an
// entry.
type QueryExecutionError struct {
	Path  string
	Cause error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("failed to evaluate query on %v: %v", e.Path, e.Cause)
}

func (e *QueryExecutionError) Unwrap() error { return e.Cause }

// StorageError wraps a fatal storage failure. It is never retried.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %v: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ProjectNotFoundError is returned when a project does not exist.
type ProjectNotFoundError struct {
	Name string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %v does not exist", e.Name)
}

// ProjectExistsError is returned when a project already exists.
type ProjectExistsError struct {
	Name string
}

func (e *ProjectExistsError) Error() string {
	return fmt.Sprintf("project %v already exists", e.Name)
}

// RepositoryNotFoundError is returned when a repository does not exist.
type RepositoryNotFoundError struct {
	Project string
	Name    string
}

func (e *RepositoryNotFoundError) Error() string {
	return fmt.Sprintf("repository %v/%v does not exist", e.Project, e.Name)
}

// RepositoryExistsError is returned when a repository already exists.
type RepositoryExistsError struct {
	Project string
	Name    string
}

func (e *RepositoryExistsError) Error() string {
	return fmt.Sprintf("repository %v/%v already exists", e.Project, e.Name)
}

// InvalidPathError is returned for malformed entry paths and path patterns.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %v", e.Path, e.Reason)
}

// ValidationError is returned for malformed requests that are not path
// related, e.g. an invalid find option or an unsupported patch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// EncryptionStorageError wraps a failure of the encryption key storage.
type EncryptionStorageError struct {
	Op    string
	Cause error
}

func (e *EncryptionStorageError) Error() string {
	return fmt.Sprintf("encryption storage failure in %v: %v", e.Op, e.Cause)
}

func (e *EncryptionStorageError) Unwrap() error { return e.Cause }
