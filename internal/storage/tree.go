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
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/sergi/go-diff/diffmatchpatch"

	dogma "go.linecorp.com/centraldogma-server"
)

// TreeEntry is one materialized entry of a tree: its type and the blob hash
// of its content.
type TreeEntry struct {
	Type EntryTypeName `json:"type"`
	Hash string        `json:"hash"`
}

// EntryTypeName is the persisted string form of an entry type.
type EntryTypeName = string

// Tree maps absolute paths to materialized entries. Trees are snapshots:
// readers hold a reference and never observe mutation; the commit path clones
// before applying.
type Tree map[string]TreeEntry

// Clone returns a copy that can be mutated independently.
func (t Tree) Clone() Tree {
	c := make(Tree, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Paths returns the sorted entry paths.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Equal reports whether two trees reference identical entries.
func (t Tree) Equal(o Tree) bool {
	if len(t) != len(o) {
		return false
	}
	for k, v := range t {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func entryTypeName(t dogma.EntryType) EntryTypeName { return t.String() }

func entryTypeOf(name EntryTypeName) dogma.EntryType {
	switch name {
	case "JSON":
		return dogma.JSON
	case "YAML":
		return dogma.YAML
	default:
		return dogma.Text
	}
}

// appliedChange is the outcome of applying one change to a working tree.
type appliedChange struct {
	change *dogma.Change
	result []byte // materialized content; nil for removals
	noop   bool
}

// applyChange applies a single change to the working tree. The tree must be a
// private clone; a failed application leaves no partial state behind because
// each change mutates the tree only after full validation.
func applyChange(tree Tree, blobs BlobStore, change *dogma.Change) (*appliedChange, error) {
	if err := dogma.ValidatePath(change.Path); err != nil {
		return nil, err
	}

	switch change.Type {
	case dogma.UpsertJSON, dogma.UpsertText, dogma.UpsertYAML:
		typ := change.Type.EntryType()
		if err := dogma.ValidateContent(typ, change.Content); err != nil {
			return nil, &dogma.ChangeConflictError{Reason: fmt.Sprintf("%v: %v", change.Path, err)}
		}
		if existing, ok := tree[change.Path]; ok {
			if entryTypeOf(existing.Type) != typ {
				return nil, &dogma.ChangeConflictError{
					Reason: fmt.Sprintf("%v already exists as %v", change.Path, existing.Type),
				}
			}
			old, err := blobs.Get(existing.Hash)
			if err != nil {
				return nil, err
			}
			if contentEqual(typ, old, change.Content) {
				return &appliedChange{change: change, result: change.Content, noop: true}, nil
			}
		}
		tree[change.Path] = TreeEntry{Type: entryTypeName(typ), Hash: blobHash(change.Content)}
		return &appliedChange{change: change, result: change.Content}, nil

	case dogma.Remove:
		if _, ok := tree[change.Path]; !ok {
			return nil, &dogma.ChangeConflictError{Reason: fmt.Sprintf("%v does not exist", change.Path)}
		}
		delete(tree, change.Path)
		return &appliedChange{change: change}, nil

	case dogma.ApplyJSONPatch:
		existing, ok := tree[change.Path]
		if !ok {
			return nil, &dogma.ChangeConflictError{Reason: fmt.Sprintf("%v does not exist", change.Path)}
		}
		if entryTypeOf(existing.Type) != dogma.JSON {
			return nil, &dogma.ChangeConflictError{
				Reason: fmt.Sprintf("%v is not a JSON file", change.Path),
			}
		}
		old, err := blobs.Get(existing.Hash)
		if err != nil {
			return nil, err
		}
		patch, err := jsonpatch.DecodePatch(change.Content)
		if err != nil {
			return nil, &dogma.ValidationError{Reason: fmt.Sprintf("unsupported JSON patch: %v", err)}
		}
		result, err := patch.Apply(old)
		if err != nil {
			return nil, &dogma.ChangeConflictError{
				Reason: fmt.Sprintf("failed to apply JSON patch to %v: %v", change.Path, err),
			}
		}
		if contentEqual(dogma.JSON, old, result) {
			return &appliedChange{change: change, result: result, noop: true}, nil
		}
		tree[change.Path] = TreeEntry{Type: existing.Type, Hash: blobHash(result)}
		return &appliedChange{change: change, result: result}, nil

	case dogma.ApplyTextPatch:
		existing, ok := tree[change.Path]
		if !ok {
			return nil, &dogma.ChangeConflictError{Reason: fmt.Sprintf("%v does not exist", change.Path)}
		}
		if entryTypeOf(existing.Type) == dogma.JSON {
			return nil, &dogma.ChangeConflictError{
				Reason: fmt.Sprintf("%v is not a text file", change.Path),
			}
		}
		old, err := blobs.Get(existing.Hash)
		if err != nil {
			return nil, err
		}
		dmp := diffmatchpatch.New()
		patches, err := dmp.PatchFromText(string(change.Content))
		if err != nil {
			return nil, &dogma.ValidationError{Reason: fmt.Sprintf("unsupported text patch: %v", err)}
		}
		text, applied := dmp.PatchApply(patches, string(old))
		for _, ok := range applied {
			if !ok {
				return nil, &dogma.ChangeConflictError{
					Reason: fmt.Sprintf("failed to apply text patch to %v", change.Path),
				}
			}
		}
		result := []byte(text)
		if bytes.Equal(old, result) {
			return &appliedChange{change: change, result: result, noop: true}, nil
		}
		tree[change.Path] = TreeEntry{Type: existing.Type, Hash: blobHash(result)}
		return &appliedChange{change: change, result: result}, nil
	}

	return nil, &dogma.ValidationError{Reason: fmt.Sprintf("unknown change type %v", change.Type)}
}

// contentEqual compares entry contents. JSON uses tree equality so that
// formatting differences and numeric representations (1 vs 1.0) do not count
// as changes.
func contentEqual(typ dogma.EntryType, a, b []byte) bool {
	if typ == dogma.JSON {
		var av, bv interface{}
		if json.Unmarshal(a, &av) == nil && json.Unmarshal(b, &bv) == nil {
			return reflect.DeepEqual(av, bv)
		}
	}
	return bytes.Equal(a, b)
}
